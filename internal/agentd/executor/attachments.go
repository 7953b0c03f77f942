package executor

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/botmaster/botmaster/pkg/wire"
)

const (
	attachmentAttempts  = 3
	attachmentBaseDelay = 100 * time.Millisecond
)

// materializeAttachments writes each attachment to disk and reports the
// per-attachment outcome. Filenames are sanitized and prefixed with the
// tail of the task id so parallel tasks never collide. Writes are atomic:
// temp file then rename. Failures retry with exponential backoff.
func (e *Executor) materializeAttachments(taskID string, atts []wire.Attachment) ([]wire.AttachmentResult, []string) {
	if len(atts) == 0 {
		return nil, nil
	}
	dir := e.runnerCfg.AttachmentDir
	if dir == "" {
		dir = os.TempDir()
	}
	prefix := taskID
	if len(prefix) > 8 {
		prefix = prefix[len(prefix)-8:]
	}

	results := make([]wire.AttachmentResult, 0, len(atts))
	var saved []string
	for _, att := range atts {
		result := e.writeAttachment(dir, prefix, att)
		if result.Saved {
			saved = append(saved, result.Path)
		}
		results = append(results, result)
	}
	return results, saved
}

func (e *Executor) writeAttachment(dir, prefix string, att wire.Attachment) wire.AttachmentResult {
	result := wire.AttachmentResult{Name: att.Name}

	data, err := base64.StdEncoding.DecodeString(att.Base64)
	if err != nil {
		result.Error = fmt.Sprintf("decode: %v", err)
		return result
	}

	name := sanitizeFilename(att.Name)
	target := filepath.Join(dir, prefix+"_"+name)

	for attempt := 0; attempt < attachmentAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(attachmentBaseDelay << (attempt - 1))
		}
		if err = writeAtomic(dir, target, data); err == nil {
			result.Saved = true
			result.Path = target
			result.Retries = attempt
			return result
		}
		e.logger.Warn("Attachment write failed",
			zap.String("name", att.Name),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	result.Retries = attachmentAttempts - 1
	result.Error = err.Error()
	return result
}

func writeAtomic(dir, target string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".attach-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func (e *Executor) sweepAttachments(paths []string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			e.logger.Warn("Attachment sweep failed", zap.String("path", p), zap.Error(err))
		}
	}
}

// sanitizeFilename strips directories and replaces anything outside
// [a-zA-Z0-9._-] so attachment names cannot escape the target directory.
func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" || strings.Trim(out, ".") == "" {
		return "attachment"
	}
	return out
}
