package transfer

import (
	"context"
	"encoding/json"

	"cpenlink/ble"
)

// Credential is the identifier and one-time code pair issued by the pen.
// Field names follow the backend's expected JSON casing.
type Credential struct {
	DeviceID string `json:"Id"`
	Totp     string `json:"Totp"`
}

// CredentialSource supplies a fresh credential for each remote request.
type CredentialSource interface {
	Credentials(ctx context.Context) (Credential, error)
}

// CredentialFunc adapts a function to a CredentialSource.
type CredentialFunc func(ctx context.Context) (Credential, error)

func (f CredentialFunc) Credentials(ctx context.Context) (Credential, error) {
	return f(ctx)
}

// Authorization renders the credential as the backend's bearer header value.
func Authorization(cred Credential) (string, error) {
	raw, err := json.Marshal(cred)
	if err != nil {
		return "", ble.WrapErr(ble.KindEncodingError, "transfer.authorization", err)
	}
	return string(raw), nil
}
