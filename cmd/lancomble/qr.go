package main

import (
	"fmt"
	"io"
	"os"

	qrcode "github.com/skip2/go-qrcode"
)

// runQR handles the "lancomble qr" subcommand. It prints the webhook
// URL the access points should be pointed at, followed by a terminal
// QR code of the same URL for quick transfer to a phone during AP
// provisioning.
func runQR(w io.Writer, configPath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	host, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("determine hostname: %w", err)
	}

	url := webhookURL(host, cfg.Listen.Port, cfg.WebhookID)

	qr, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("generate QR code: %w", err)
	}

	fmt.Fprintln(w, url)
	fmt.Fprintln(w)
	fmt.Fprint(w, qr.ToSmallString(false))
	return nil
}

// webhookURL builds the webhook endpoint URL the access points call.
func webhookURL(host string, port int, webhookID string) string {
	return fmt.Sprintf("http://%s:%d/api/webhook/%s", host, port, webhookID)
}
