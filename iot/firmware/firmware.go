/*Package firmware builds signed download URLs for OTA upgrade commands.

Serving the firmware blob itself is not part of the synchronization engine;
the dispatcher only needs a URL the device can fetch. Two signers are
provided: a token-URL signer matching the appliance's built-in download
endpoint, and an S3 presigner for bucket-hosted firmware.
*/
package firmware

import (
	"net/url"
	"strings"

	"github.com/genemingxingma/iot-control-center/iot/twin"
)

// Firmware describes one uploaded firmware image.
type Firmware struct {
	Version  string `json:"version"`
	Key      string `json:"key"`
	Checksum string `json:"checksum,omitempty"`
}

// URLSigner builds a download URL for one device. The URL embeds whatever
// credential the serving side requires.
type URLSigner interface {
	SignURL(fw Firmware, d *twin.Device) (string, error)
}

// TokenSigner builds URLs of the form
// <base>/f/<key>?s=<serial>&t=<authToken>, the scheme understood by the
// appliance's own download endpoint.
type TokenSigner struct {
	BaseURL string
}

// SignURL implements URLSigner.
func (s TokenSigner) SignURL(fw Firmware, d *twin.Device) (string, error) {
	base := strings.TrimSpace(s.BaseURL)
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	base = strings.TrimRight(base, "/")
	query := url.Values{}
	query.Set("s", d.Serial)
	query.Set("t", d.AuthToken)
	return base + "/f/" + url.PathEscape(fw.Key) + "?" + query.Encode(), nil
}
