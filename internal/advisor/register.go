package advisor

import (
	"context"
	"log/slog"

	"github.com/skip2/go-qrcode"

	"github.com/Swastikphadke/Spectra/internal/delivery"
)

// registerCodeSize is the QR image edge in pixels.
const registerCodeSize = 512

// RegisterCode renders url as a PNG QR code.
func RegisterCode(url string) ([]byte, error) {
	return qrcode.Encode(url, qrcode.Medium, registerCodeSize)
}

// sendRegisterCode queues the registration QR image for an unknown
// sender. Like voice notes, it is best-effort.
func (a *Advisor) sendRegisterCode(ctx context.Context, log *slog.Logger, recipient string) {
	if a.cfg.RegisterURL == "" {
		return
	}
	png, err := RegisterCode(a.cfg.RegisterURL)
	if err != nil {
		log.Warn("register code not rendered", "error", err)
		return
	}

	err = a.cfg.Outbox.Enqueue(ctx, delivery.Job{
		Kind:      delivery.KindImage,
		Recipient: recipient,
		Payload: delivery.Payload{
			Data:        png,
			Filename:    "spectra_register.png",
			ContentType: "image/png",
		},
		Done: func(res delivery.Result) {
			if !res.OK {
				log.Warn("register code not delivered", "error", res.Err)
			}
		},
	})
	if err != nil {
		log.Warn("register code not queued", "error", err)
	}
}
