package task

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/mediacache/proxy/internal/domain"
)

// persistedSegment mirrors one entry of config.json's segments array:
// status 0=Pending, 1=Downloading, 2=Completed, 3=Failed.
type persistedSegment struct {
	StartByte       int64 `json:"startByte"`
	EndByte         int64 `json:"endByte"`
	Status          int   `json:"status"`
	DownloadedBytes int64 `json:"downloadedBytes"`
	LastUpdateTime  int64 `json:"lastUpdateTime"`
}

// persistedConfig is the on-disk config.json schema.
type persistedConfig struct {
	MediaURL       string             `json:"mediaURL"`
	ContentLength  int64              `json:"contentLength"`
	ContentType    string             `json:"contentType"`
	LastAccessTime int64              `json:"lastAccessTime"`
	RequestHeaders map[string]string  `json:"requestHeaders"`
	Segments       []persistedSegment `json:"segments"`
}

const configFileName = "config.json"

func loadPersistedConfig(cacheDir string) (*persistedConfig, error) {
	data, err := os.ReadFile(filepath.Join(cacheDir, configFileName))
	if err != nil {
		return nil, err
	}

	var cfg persistedConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func savePersistedConfig(cacheDir string, cfg *persistedConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	tmp := filepath.Join(cacheDir, configFileName+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(cacheDir, configFileName))
}

func toPersistedSegment(s *domain.Segment) persistedSegment {
	return persistedSegment{
		StartByte:       s.StartByte,
		EndByte:         s.EndByte,
		Status:          int(s.Status()),
		DownloadedBytes: s.DownloadedBytes(),
		LastUpdateTime:  s.LastUpdateTime().UnixMilli(),
	}
}

func fromPersistedSegment(p persistedSegment) *domain.Segment {
	s := domain.NewSegment(p.StartByte, p.EndByte)
	// Downloading is transient and untrustworthy across a restart, so it
	// (and any unknown value) loads as Pending; Failed is kept as is. A
	// Completed status is kept only if the caller's reconciliation pass
	// finds a full-size final file on disk. downloadedBytes is still
	// seeded for a potential resume.
	s.SetDownloadedBytes(p.DownloadedBytes)
	switch domain.SegmentStatus(p.Status) {
	case domain.StatusCompleted:
		s.SetStatus(domain.StatusCompleted)
	case domain.StatusFailed:
		s.SetStatus(domain.StatusFailed)
	default:
		s.SetStatus(domain.StatusPending)
	}
	return s
}

func timeFromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
