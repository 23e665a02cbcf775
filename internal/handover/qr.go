// Package handover turns the Wi-Fi credentials a device hands out for bulk
// file transfer into things an operator or the gateway can act on: a joinable
// QR code and the address of the device's transfer server on that network.
package handover

import (
	"fmt"
	"strings"

	"github.com/skip2/go-qrcode"

	"github.com/surveylink/surveylink/pkg/types"
)

// WifiQRContent renders credentials in the WIFI: format understood by phone
// cameras, so an operator can join the device's transfer network by scanning.
func WifiQRContent(creds types.HandoverCredentials) string {
	auth := "WPA"
	if creds.Secret == "" {
		auth = "nopass"
	}
	return fmt.Sprintf("WIFI:T:%s;S:%s;P:%s;;",
		auth, escapeWifiField(creds.Network), escapeWifiField(creds.Secret))
}

// WifiQRPNG generates a PNG QR code of the given pixel size for the
// credentials. Size follows the qrcode convention: negative means scale per
// module.
func WifiQRPNG(creds types.HandoverCredentials, size int) ([]byte, error) {
	png, err := qrcode.Encode(WifiQRContent(creds), qrcode.Medium, size)
	if err != nil {
		return nil, types.WrapError(types.CodeTransferFailed, err, "generate handover QR code")
	}
	return png, nil
}

// WifiQRTerminal renders the QR as a terminal-printable block.
func WifiQRTerminal(creds types.HandoverCredentials) (string, error) {
	qr, err := qrcode.New(WifiQRContent(creds), qrcode.Medium)
	if err != nil {
		return "", types.WrapError(types.CodeTransferFailed, err, "generate handover QR code")
	}
	return qr.ToSmallString(false), nil
}

// The WIFI: payload reserves these characters.
var wifiEscaper = strings.NewReplacer(
	`\`, `\\`,
	`;`, `\;`,
	`,`, `\,`,
	`:`, `\:`,
	`"`, `\"`,
)

func escapeWifiField(s string) string {
	return wifiEscaper.Replace(s)
}
