package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dl-alexandre/gdmirror/internal/logging"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// credentialsFile is the subset of a Google client or key file needed to
// tell the two apart
type credentialsFile struct {
	Type        string `json:"type"`
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
}

func isServiceAccountKey(data []byte) bool {
	var f credentialsFile
	return json.Unmarshal(data, &f) == nil && f.Type == "service_account"
}

// serviceAccountProvider builds a provider from a service account key.
// subject, when set, is the user to impersonate through domain-wide
// delegation.
func serviceAccountProvider(keyData []byte, scopes []string, subject string, logger logging.Logger) (*TokenProvider, error) {
	var key credentialsFile
	if err := json.Unmarshal(keyData, &key); err != nil {
		return nil, fmt.Errorf("failed to parse service account key: %w", err)
	}
	if key.ClientEmail == "" {
		return nil, fmt.Errorf("missing client_email in service account key")
	}
	if key.PrivateKey == "" {
		return nil, fmt.Errorf("missing private_key in service account key")
	}
	if subject != "" && !strings.Contains(subject, "@") {
		return nil, fmt.Errorf("impersonate user must be an email address")
	}

	conf, err := google.JWTConfigFromJSON(keyData, scopes...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse service account key: %w", err)
	}
	conf.Subject = subject

	renew := sourceRenew(func(ctx context.Context) oauth2.TokenSource {
		return conf.TokenSource(ctx)
	})
	return newTokenProvider("service-account:"+key.ClientEmail, nil, renew, nil, logger), nil
}
