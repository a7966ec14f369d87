package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/mymmrac/telego"

	"github.com/gatehouselabs/gatehouse/internal/bus"
)

// maxDownloadBytes caps one media download (20MB, the Bot API limit).
const maxDownloadBytes = 20 * 1024 * 1024

// downloadTimeout bounds one media fetch.
const downloadTimeout = 30 * time.Second

// collectAttachments downloads voice notes and the largest photo size
// to temp files so the pipeline can transcribe and attach them.
// Download failures degrade to a text-only message.
func (c *Channel) collectAttachments(ctx context.Context, msg *telego.Message) []bus.Attachment {
	var attachments []bus.Attachment

	if msg.Voice != nil {
		path, err := c.download(ctx, msg.Voice.FileID, "voice-*.ogg")
		if err != nil {
			slog.Warn("telegram.voice_download_failed", "error", err)
		} else {
			attachments = append(attachments, bus.Attachment{
				Kind: bus.AttachmentAudio,
				Path: path,
				MIME: msg.Voice.MimeType,
			})
		}
	}

	if len(msg.Photo) > 0 {
		largest := msg.Photo[len(msg.Photo)-1]
		path, err := c.download(ctx, largest.FileID, "photo-*.jpg")
		if err != nil {
			slog.Warn("telegram.photo_download_failed", "error", err)
		} else {
			attachments = append(attachments, bus.Attachment{
				Kind: bus.AttachmentImage,
				Path: path,
				MIME: "image/jpeg",
			})
		}
	}

	return attachments
}

// download fetches a Telegram file into the temp dir and returns its
// local path.
func (c *Channel) download(ctx context.Context, fileID, pattern string) (string, error) {
	bot := c.liveBot()
	if bot == nil {
		return "", fmt.Errorf("not connected")
	}

	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	file, err := bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return "", fmt.Errorf("get file: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, bot.FileDownloadURL(file.FilePath), nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch file: HTTP %d", resp.StatusCode)
	}

	out, err := os.CreateTemp("", filepath.Base(pattern))
	if err != nil {
		return "", err
	}
	defer out.Close()
	if _, err := io.Copy(out, io.LimitReader(resp.Body, maxDownloadBytes)); err != nil {
		os.Remove(out.Name())
		return "", fmt.Errorf("write file: %w", err)
	}
	return out.Name(), nil
}

// SendVoice delivers a synthesized audio reply as a voice note.
func (c *Channel) SendVoice(ctx context.Context, recipient, audioPath string) error {
	bot := c.liveBot()
	if bot == nil {
		return fmt.Errorf("telegram: not connected")
	}
	chatID, err := parseChatID(recipient)
	if err != nil {
		return err
	}
	f, err := os.Open(audioPath)
	if err != nil {
		return fmt.Errorf("telegram: open audio: %w", err)
	}
	defer f.Close()
	_, err = bot.SendVoice(ctx, &telego.SendVoiceParams{
		ChatID: telego.ChatID{ID: chatID},
		Voice:  telego.InputFile{File: f},
	})
	return err
}

func parseChatID(recipient string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(recipient, "%d", &id); err != nil {
		return 0, fmt.Errorf("telegram: bad chat id %q: %w", recipient, err)
	}
	return id, nil
}
