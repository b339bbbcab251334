// Package model contains the job entity shared across packages.
package model

import "time"

// JobStatus describes the processing lifecycle of a narration job.
type JobStatus string

const (
	StatusQueued      JobStatus = "queued"
	StatusDownloading JobStatus = "downloading"
	StatusAnalyzing   JobStatus = "analyzing"
	StatusTTS         JobStatus = "tts"
	StatusDone        JobStatus = "done"
	StatusFailed      JobStatus = "failed"
)

// Terminal reports whether the status can never transition again.
func (s JobStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// SourceKind tells the pipeline how the input video arrived.
type SourceKind string

const (
	SourceURL    SourceKind = "url"
	SourceUpload SourceKind = "upload"
)

// Logical file keys stored in Job.Files. Every entry ending in "Path" is
// rewritten to a reachable URL by the HTTP layer; entries ending in "Key"
// reference mirrored objects in the artifact bucket.
const (
	FileVideo    = "videoPath"
	FileCaptions = "captionsPath"
	FileScript   = "scriptPath"
	FileTTS      = "ttsPath"
	FileMerged   = "mergedPath"
)

// Download strategies recorded on the job so operators can tell which
// downloader actually satisfied the request.
const (
	StrategyPrimary  = "primary"
	StrategyFallback = "fallback"
)

// Job is the persisted record for one unit of asynchronous work.
type Job struct {
	ID               string            `json:"id"`
	Source           string            `json:"source"`
	SourceKind       SourceKind        `json:"sourceKind"`
	Voice            string            `json:"voice,omitempty"`
	Status           JobStatus         `json:"status"`
	Progress         int               `json:"progress"`
	Files            map[string]string `json:"files"`
	DownloadStrategy string            `json:"downloadStrategy,omitempty"`
	Error            string            `json:"error,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (j *Job) Clone() *Job {
	cp := *j
	if j.Files != nil {
		cp.Files = make(map[string]string, len(j.Files))
		for k, v := range j.Files {
			cp.Files[k] = v
		}
	}
	return &cp
}

// Patch is a shallow merge against a stored job record. Nil fields leave the
// stored value untouched; Files entries are merged key by key.
type Patch struct {
	Status           *JobStatus
	Progress         *int
	Files            map[string]string
	DownloadStrategy *string
	Error            *string
}

// StatusPatch builds the common "advance to stage" patch.
func StatusPatch(status JobStatus, progress int) Patch {
	return Patch{Status: &status, Progress: &progress}
}

// FailurePatch builds the terminal failure patch.
func FailurePatch(msg string) Patch {
	status := StatusFailed
	return Patch{Status: &status, Error: &msg}
}
