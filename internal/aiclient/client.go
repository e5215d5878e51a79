// Package aiclient submits recorded audio to the backend's processing
// pipeline and follows its progress.
//
// The backend answers POST /api/entries/{entryID}/audio with a stream of
// newline-delimited JSON stage reports (accepted, transcribed, translated,
// summarized, or failed). Submit forwards each report to the caller as it
// arrives, so the capture pipeline can show progress and the offline audio
// manager can tell an upload failure from a processing failure.
package aiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"

	"carenote/internal/services"
	"carenote/internal/upstream"
)

// Stage is one step of server-side processing.
type Stage string

const (
	StageAccepted    Stage = "accepted"
	StageTranscribed Stage = "transcribed"
	StageTranslated  Stage = "translated"
	StageSummarized  Stage = "summarized"
	StageFailed      Stage = "failed"
)

// Report is one line of the stage stream.
type Report struct {
	Stage     Stage  `json:"stage"`
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// Upload describes one artifact submission.
type Upload struct {
	ArtifactID     string
	EntryID        string
	MimeType       string
	Duration       time.Duration
	TargetLanguage language.Tag
	Audio          io.Reader
}

// Submitter sends audio for processing. onReport may be nil.
type Submitter interface {
	Submit(ctx context.Context, upload Upload, onReport func(Report)) error
}

// ErrIncompleteStream reports a stage stream that ended before summarization.
var ErrIncompleteStream = errors.New("processing stream ended early")

// Client is the HTTP Submitter.
type Client struct {
	upstream *upstream.Client
}

// New creates a client sending through up.
func New(up *upstream.Client) *Client {
	return &Client{upstream: up}
}

// Submit uploads the audio and follows the stage stream until the backend
// reports summarized or failed. Failures before the backend accepted the
// upload are transport failures; a failed report is permanent unless the
// backend marks it retryable.
func (c *Client) Submit(ctx context.Context, upload Upload, onReport func(Report)) error {
	if upload.Audio == nil {
		return services.Wrap(services.ErrPermanent, "aiclient", "submit", "no audio", nil)
	}
	body, contentType := multipartBody(upload)
	defer body.Close()

	path := "/api/entries/" + url.PathEscape(upload.EntryID) + "/audio"
	req, err := c.upstream.NewRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/x-ndjson")
	req.Header.Set("Idempotency-Key", upload.ArtifactID)

	resp, err := c.upstream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return followStages(resp.Body, onReport)
}

func followStages(r io.Reader, onReport func(Report)) error {
	dec := json.NewDecoder(r)
	for {
		var report Report
		if err := dec.Decode(&report); err != nil {
			if errors.Is(err, io.EOF) {
				return services.Wrap(services.ErrTransient, "aiclient", "stages", "", ErrIncompleteStream)
			}
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				return services.Wrap(services.ErrPermanent, "aiclient", "stages", "malformed stage report", err)
			}
			return services.Wrap(services.ErrTransient, "aiclient", "stages", "read stage stream", err)
		}
		if onReport != nil {
			onReport(report)
		}
		switch report.Stage {
		case StageSummarized:
			return nil
		case StageFailed:
			marker := services.ErrPermanent
			if report.Retryable {
				marker = services.ErrTransient
			}
			reason := strings.TrimSpace(report.Error)
			if reason == "" {
				reason = "processing failed"
			}
			return services.Wrap(marker, "aiclient", "processing", reason, nil)
		case StageAccepted, StageTranscribed, StageTranslated:
		default:
			return services.Wrap(services.ErrPermanent, "aiclient", "stages", fmt.Sprintf("unknown stage %q", report.Stage), nil)
		}
	}
}

// multipartBody streams the form through a pipe so the audio is never
// buffered in memory twice.
func multipartBody(upload Upload) (io.ReadCloser, string) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeParts(mw, upload)
		if err == nil {
			err = mw.Close()
		}
		_ = pw.CloseWithError(err)
	}()
	return pr, mw.FormDataContentType()
}

func writeParts(mw *multipart.Writer, upload Upload) error {
	fields := [][2]string{
		{"artifact_id", upload.ArtifactID},
		{"duration_seconds", strconv.FormatFloat(upload.Duration.Seconds(), 'f', 3, 64)},
	}
	if upload.TargetLanguage != language.Und {
		fields = append(fields, [2]string{"target_language", upload.TargetLanguage.String()})
	}
	for _, field := range fields {
		if err := mw.WriteField(field[0], field[1]); err != nil {
			return err
		}
	}

	mimeType := upload.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio"; filename="%s%s"`, upload.ArtifactID, FileExtension(mimeType)))
	header.Set("Content-Type", mimeType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, upload.Audio)
	return err
}

// FileExtension returns the file extension for a recording MIME type, ignoring
// codec parameters. Unknown types map to ".bin".
func FileExtension(mimeType string) string {
	switch strings.ToLower(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0])) {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/webm":
		return ".webm"
	case "audio/ogg":
		return ".ogg"
	case "audio/mpeg":
		return ".mp3"
	case "audio/mp4":
		return ".m4a"
	default:
		return ".bin"
	}
}
