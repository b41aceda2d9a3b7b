package wa

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.uber.org/zap"
)

// loginQR links the device by QR code. Each code is printed to stderr and
// written as a PNG to QRPath. It returns once the phone confirmed the link.
func (a *Adapter) loginQR(ctx context.Context, client *whatsmeow.Client) error {
	qrChan, err := client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("get QR channel: %w", err)
	}
	// Connect must be called after GetQRChannel.
	if err := client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	for item := range qrChan {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			a.showQR(item.Code)
		case whatsmeow.QRChannelSuccess.Event:
			a.logger.Info("device linked")
			if a.opts.QRPath != "" {
				_ = os.Remove(a.opts.QRPath)
			}
			return nil
		case whatsmeow.QRChannelTimeout.Event:
			return fmt.Errorf("QR login timed out")
		default:
			if item.Error != nil {
				return fmt.Errorf("QR login failed: %w", item.Error)
			}
			if item.Event != "" {
				return fmt.Errorf("QR login failed: %s", item.Event)
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("QR channel closed before login completed")
}

func (a *Adapter) showQR(code string) {
	if a.opts.QRPath != "" {
		if err := qrcode.WriteFile(code, qrcode.Medium, 256, a.opts.QRPath); err != nil {
			a.logger.Warn("failed to write QR image", zap.Error(err))
		}
	}
	a.logger.Info("scan the QR code with WhatsApp > Linked devices", zap.String("png", a.opts.QRPath))
	_, _ = fmt.Fprintf(os.Stderr, "\n%s\n", renderQR(code))
}

// renderQR converts a string to a compact QR code using Unicode half-block
// characters. Two bitmap rows become one terminal line.
func renderQR(content string) string {
	qr, err := qrcode.New(content, qrcode.Low)
	if err != nil {
		return "  (QR generation failed: " + err.Error() + ")"
	}

	bitmap := qr.Bitmap()
	var sb strings.Builder
	for y := 0; y < len(bitmap); y += 2 {
		sb.WriteString("  ")
		for x := range bitmap[y] {
			top := bitmap[y][x]
			bot := y+1 < len(bitmap) && bitmap[y+1][x]
			switch {
			case top && bot:
				sb.WriteRune('█')
			case top:
				sb.WriteRune('▀')
			case bot:
				sb.WriteRune('▄')
			default:
				sb.WriteRune(' ')
			}
		}
		sb.WriteRune('\n')
	}
	return sb.String()
}
