package keymanager

import (
	"errors"
	"fmt"
)

var (
	ErrKeyRequired          = errors.New("collectionKey required but was null")
	ErrKeyIDRequired        = errors.New("collectionKey.ID required but was null or empty")
	ErrSecretKeyRequired    = errors.New("collectionKey.secretKey required but was null")
	ErrSecretKeySize        = errors.New("collectionKey.secretKey must be 32 bytes")
	ErrCollectionIDRequired = errors.New("collectionID required but was null or empty")
	ErrInvalidCollectionID  = errors.New("collectionID contains illegal characters")
	ErrKeyNotFound          = errors.New("collectionKey not found")
	ErrKeyDecryption        = errors.New("error while decrypting collectionKey file")
	ErrKeyWrite             = errors.New("error while writing collectionKey file")

	ErrKeyringNotFound = errors.New("keyring not found")
	ErrKeyringLocked   = errors.New("keyring is locked")
	ErrInvalidPassword = errors.New("incorrect password")
	ErrKeyMismatch     = errors.New("collectionKey does not belong to collectionID")
)

// KeyringError 密鑰相關錯誤，帶 collectionID 方便排查
type KeyringError struct {
	CollectionID string
	Err          error // 分類 sentinel
	Cause        error // 底層錯誤
}

func newKeyringError(collectionID string, kind, cause error) *KeyringError {
	return &KeyringError{CollectionID: collectionID, Err: kind, Cause: cause}
}

func (e *KeyringError) Error() string {
	msg := e.Err.Error()
	if e.CollectionID != "" {
		msg = fmt.Sprintf("%s: collectionID=%s", msg, e.CollectionID)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *KeyringError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}
