package credentials

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// fileKeys matches the credential_process output format and the Credentials
// object returned by STS and Cognito identity exchanges.
type fileKeys struct {
	AccessKeyID     string    `json:"AccessKeyId"`
	SecretAccessKey string    `json:"SecretAccessKey"`
	SecretKey       string    `json:"SecretKey"`
	SessionToken    string    `json:"SessionToken"`
	Expiration      time.Time `json:"Expiration"`
}

type fileDocument struct {
	fileKeys
	Credentials *fileKeys `json:"Credentials"`
}

// Parse decodes temporary credentials, either flat or nested under Credentials.
func Parse(data []byte) (Credentials, error) {
	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return Credentials{}, fmt.Errorf("decode credentials: %w", err)
	}
	keys := doc.fileKeys
	if doc.Credentials != nil {
		keys = *doc.Credentials
	}
	if keys.SecretAccessKey == "" {
		keys.SecretAccessKey = keys.SecretKey
	}
	c := Credentials{
		AccessKeyID:     keys.AccessKeyID,
		SecretAccessKey: keys.SecretAccessKey,
		SessionToken:    keys.SessionToken,
		Expires:         keys.Expiration,
	}
	if !c.HasKeys() {
		return Credentials{}, ErrNoCredentials
	}
	return c, nil
}

func ReadFile(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("read credentials file: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return Credentials{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Load fills the holder from a credentials file.
func (h *Holder) Load(path string) error {
	c, err := ReadFile(path)
	if err != nil {
		return err
	}
	h.Set(c)
	return nil
}
