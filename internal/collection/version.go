package collection

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"collection-gateway/internal/security/keymanager"
	"collection-gateway/internal/storage/fsutil"
)

// 頁面的歷史版本放在 <uri>/previous/vN
const versionsDir = "previous"

var versionURIPattern = regexp.MustCompile(`/` + versionsDir + `/v([0-9]+)$`)

// IsVersionURI 是否為版本 URI
func IsVersionURI(uri string) bool {
	return versionURIPattern.MatchString(uri)
}

// Version 把已發佈頁面目錄下的檔案複製到 reviewed 的 <uri>/previous/vN，回傳版本 URI
// 頁面未發佈回傳 ErrNotFound；本集合已有該頁面的版本回傳 ErrConflict
func (c *Collection) Version(user, uri string, key *keymanager.CollectionKey) (string, error) {
	uri, err := NormalizeURI(uri)
	if err != nil {
		return "", err
	}
	if IsVersionURI(uri) {
		return "", badRequest(uri, "a version cannot be versioned")
	}

	unlock := c.lockURIs(uri)
	defer unlock()

	if err := c.checkEditable(uri); err != nil {
		return "", err
	}

	published := c.masterPath(uri)
	files, err := pageFiles(published)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", notFound(uri, "content has not been published")
	}

	existing, err := versionNumbers(c.contentPath(StateReviewed, uri+"/"+versionsDir))
	if err != nil {
		return "", err
	}
	if len(existing) > 0 {
		return "", conflict(uri, "a previous version of this content already exists in the collection")
	}

	publishedVersions, err := versionNumbers(filepath.Join(published, versionsDir))
	if err != nil {
		return "", err
	}
	next := 1
	for _, n := range publishedVersions {
		if n >= next {
			next = n + 1
		}
	}

	versionURI := fmt.Sprintf("%s/%s/v%d", uri, versionsDir, next)
	for _, name := range files {
		target := c.contentPath(StateReviewed, versionURI+"/"+name)
		if err := c.copyFromMaster(filepath.Join(published, name), target, key); err != nil {
			os.RemoveAll(c.contentPath(StateReviewed, versionURI))
			return "", err
		}
	}

	return versionURI, c.recordTransition(user, uri, EventVersioned, versionURI)
}

// DeleteVersion 刪除本集合內的版本目錄
func (c *Collection) DeleteVersion(user, versionURI string) error {
	uri, err := NormalizeURI(versionURI)
	if err != nil {
		return err
	}
	if !IsVersionURI(uri) {
		return badRequest(uri, "uri is not a version")
	}

	// 與 Version 使用同一把頁面鎖
	unlock := c.lockURIs(versionURIPattern.ReplaceAllString(uri, ""))
	defer unlock()

	if err := c.checkEditable(uri); err != nil {
		return err
	}

	dir := c.contentPath(StateReviewed, uri)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return notFound(uri, "version not found in collection")
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete version: %w", err)
	}
	fsutil.PruneEmptyDirs(filepath.Dir(dir), c.statePath(StateReviewed))

	return c.recordTransition(user, uri, EventDeleted, "")
}

// pageFiles 頁面目錄下的檔案（不含子目錄與隱藏檔）；不是目錄時回傳空
func pageFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) || isNotDir(dir) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read published content: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// versionNumbers 目錄下的 vN 編號
func versionNumbers(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) || isNotDir(dir) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}

	var out []int
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "v") {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "v")); err == nil && n > 0 {
			out = append(out, n)
		}
	}
	return out, nil
}

func isNotDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
