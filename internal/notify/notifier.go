// Package notify delivers generation results and status messages to users.
// Delivery is best-effort: the job lifecycle never depends on it.
package notify

import "context"

// Notifier sends messages to a chat.
type Notifier interface {
	// Text sends a plain text message.
	Text(ctx context.Context, chatID int64, text string) error
	// Photo sends an image, compressed by the transport.
	Photo(ctx context.Context, chatID int64, caption string, data []byte) error
	// Document sends a file as-is, preserving full quality.
	Document(ctx context.Context, chatID int64, caption, filename string, data []byte) error
	// Video sends a video clip.
	Video(ctx context.Context, chatID int64, caption string, data []byte) error
}

// Nop is a Notifier that discards everything; used when no bot token is
// configured.
type Nop struct{}

// Text implements Notifier.
func (Nop) Text(context.Context, int64, string) error { return nil }

// Photo implements Notifier.
func (Nop) Photo(context.Context, int64, string, []byte) error { return nil }

// Document implements Notifier.
func (Nop) Document(context.Context, int64, string, string, []byte) error { return nil }

// Video implements Notifier.
func (Nop) Video(context.Context, int64, string, []byte) error { return nil }
