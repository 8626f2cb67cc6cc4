package collection

import (
	"time"
)

// Type 集合類型
type Type string

const (
	TypeManual    Type = "manual"
	TypeScheduled Type = "scheduled"
)

// Owner 集合所屬團隊
type Owner string

const (
	OwnerPublishingSupport Owner = "PUBLISHING_SUPPORT"
	OwnerDataVisualisation Owner = "DATA_VISUALISATION"
)

// ApprovalStatus 核准狀態
type ApprovalStatus string

const (
	ApprovalNotStarted    ApprovalStatus = "NOT_STARTED"
	ApprovalInProgress    ApprovalStatus = "IN_PROGRESS"
	ApprovalComplete      ApprovalStatus = "COMPLETE"
	ApprovalError         ApprovalStatus = "ERROR"
	ApprovalCompleteError ApprovalStatus = "COMPLETE_ERROR" // 已核准但發佈失敗
)

// EventType 事件類型
type EventType string

const (
	EventCreated   EventType = "CREATED"
	EventEdited    EventType = "EDITED"
	EventCompleted EventType = "COMPLETED"
	EventReviewed  EventType = "REVIEWED"
	EventDeleted   EventType = "DELETED"
	EventMoved     EventType = "MOVED"
	EventApproved  EventType = "APPROVED"
	EventUnlocked  EventType = "UNLOCKED"
	EventPublished EventType = "PUBLISHED"
	EventUpdated   EventType = "UPDATED"
	EventVersioned EventType = "VERSIONED"
)

// State 內容在集合內的工作狀態
type State string

const (
	StateInProgress State = "inprogress"
	StateComplete   State = "complete"
	StateReviewed   State = "reviewed"
)

// WorkingStates 依搜尋順序排列
var WorkingStates = []State{StateInProgress, StateComplete, StateReviewed}

// Event 一次狀態轉換
type Event struct {
	Type  EventType `json:"type"`
	Email string    `json:"email"`
	Date  time.Time `json:"date"`
	Note  string    `json:"note,omitempty"`
}

// Events 只追加的事件列表
type Events []Event

// HasEventForType 是否有該類型事件
func (e Events) HasEventForType(t EventType) bool {
	for _, ev := range e {
		if ev.Type == t {
			return true
		}
	}
	return false
}

// MostRecent 最近一筆符合類型的事件
func (e Events) MostRecent(types ...EventType) (Event, bool) {
	for i := len(e) - 1; i >= 0; i-- {
		for _, t := range types {
			if e[i].Type == t {
				return e[i], true
			}
		}
	}
	return Event{}, false
}

// PublishRecord 一次發佈嘗試的結果快照
type PublishRecord struct {
	ID                    string            `json:"id" bson:"_id"`
	CollectionID          string            `json:"collectionId" bson:"collection_id"`
	StartTime             time.Time         `json:"startTime" bson:"start_time"`
	EndTime               time.Time         `json:"endTime" bson:"end_time"`
	TransactionIDs        map[string]string `json:"transactionIds" bson:"transaction_ids"`
	Hosts                 int               `json:"hosts" bson:"hosts"`
	VerifiedCount         int64             `json:"verifiedCount" bson:"verified_count"`
	VerifyFailedCount     int64             `json:"verifyFailedCount" bson:"verify_failed_count"`
	VerifyInProgressCount int64             `json:"verifyInProgressCount" bson:"verify_in_progress_count"`
	Items                 int               `json:"items" bson:"items"`
	Success               bool              `json:"success" bson:"success"`
	Errors                []string          `json:"errors,omitempty" bson:"errors,omitempty"`
}

// Description 集合的持久化狀態（JSON）
type Description struct {
	ID                    string            `json:"id"`
	Name                  string            `json:"name"`
	Type                  Type              `json:"type"`
	CollectionOwner       Owner             `json:"collectionOwner"`
	PublishDate           *time.Time        `json:"publishDate,omitempty"`
	ApprovalStatus        ApprovalStatus    `json:"approvalStatus"`
	IsEncrypted           bool              `json:"isEncrypted"`
	PublishComplete       bool              `json:"publishComplete"`
	PublishStartDate      *time.Time        `json:"publishStartDate,omitempty"`
	PublishEndDate        *time.Time        `json:"publishEndDate,omitempty"`
	PublishTransactionIDs map[string]string `json:"publishTransactionIds,omitempty"`
	Events                Events            `json:"events"`
	EventsByURI           map[string]Events `json:"eventsByUri"`
	PublishResults        []PublishRecord   `json:"publishResults,omitempty"`

	// 僅供 API 回應，載入時忽略
	InProgressURIs []string `json:"inProgressUris,omitempty"`
	CompleteURIs   []string `json:"completeUris,omitempty"`
	ReviewedURIs   []string `json:"reviewedUris,omitempty"`
}

// Clone 深拷貝
func (d *Description) Clone() *Description {
	out := *d
	if d.PublishDate != nil {
		t := *d.PublishDate
		out.PublishDate = &t
	}
	if d.PublishStartDate != nil {
		t := *d.PublishStartDate
		out.PublishStartDate = &t
	}
	if d.PublishEndDate != nil {
		t := *d.PublishEndDate
		out.PublishEndDate = &t
	}
	out.PublishTransactionIDs = make(map[string]string, len(d.PublishTransactionIDs))
	for k, v := range d.PublishTransactionIDs {
		out.PublishTransactionIDs[k] = v
	}
	out.Events = append(Events(nil), d.Events...)
	out.EventsByURI = make(map[string]Events, len(d.EventsByURI))
	for uri, events := range d.EventsByURI {
		out.EventsByURI[uri] = append(Events(nil), events...)
	}
	out.PublishResults = append([]PublishRecord(nil), d.PublishResults...)
	out.InProgressURIs = append([]string(nil), d.InProgressURIs...)
	out.CompleteURIs = append([]string(nil), d.CompleteURIs...)
	out.ReviewedURIs = append([]string(nil), d.ReviewedURIs...)
	return &out
}

// ContentItem 解密後的內容
type ContentItem struct {
	URI  string
	Data []byte
}
