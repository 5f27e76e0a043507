package app

import (
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/net/publicsuffix"
)

// fileJar is a cookie jar that mirrors the API origin's cookies to a file so
// separate CLI invocations share one signed-in session, the way browser tabs
// share a cookie store. Cookie values are opaque here.
type fileJar struct {
	*cookiejar.Jar

	log  Logger
	path string
	base *url.URL
	mu   sync.Mutex
}

type savedCookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// NewCookieJar returns a public-suffix aware jar. An empty path keeps cookies in memory only.
func NewCookieJar(log Logger, baseURL, path string) (http.CookieJar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	if path == "" {
		return jar, nil
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}

	j := &fileJar{Jar: jar, log: log, path: path, base: base}
	if err := j.load(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *fileJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.Jar.SetCookies(u, cookies)
	if u.Host != j.base.Host {
		return
	}
	if err := j.save(); err != nil {
		j.log.Warn("jar.save.fail", "path", j.path, "err", err)
	}
}

func (j *fileJar) load() error {
	raw, err := os.ReadFile(j.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	var saved []savedCookie
	if err := json.Unmarshal(raw, &saved); err != nil {
		// A corrupt file only costs a fresh sign-in.
		j.log.Warn("jar.load.corrupt", "path", j.path, "err", err)
		return nil
	}

	cookies := make([]*http.Cookie, 0, len(saved))
	for _, c := range saved {
		cookies = append(cookies, &http.Cookie{Name: c.Name, Value: c.Value, Path: "/"})
	}
	j.Jar.SetCookies(j.base, cookies)
	return nil
}

func (j *fileJar) save() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	current := j.Jar.Cookies(j.base)
	saved := make([]savedCookie, 0, len(current))
	for _, c := range current {
		saved = append(saved, savedCookie{Name: c.Name, Value: c.Value})
	}

	raw, err := json.Marshal(saved)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(j.path), 0o700); err != nil {
		return err
	}

	tmp := j.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, j.path)
}

// DefaultCookieFile is the per-user cookie file location, or "" when no config dir exists.
func DefaultCookieFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "proserve", "cookies.json")
}
