package call

import (
	"context"
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // TURN REST credentials are defined over HMAC-SHA1.
	"encoding/base64"
	"fmt"

	"github.com/gxo-labs/chatstate/internal/secrets"
	"github.com/gxo-labs/chatstate/internal/state"
	cserrors "github.com/gxo-labs/chatstate/pkg/chatstate/v1/errors"
	csstate "github.com/gxo-labs/chatstate/pkg/chatstate/v1/state"
	"github.com/pion/webrtc/v4"
)

// ICEServer is the stored form of one ICE server entry.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// WebRTC converts the entry for a pion peer connection.
func (s ICEServer) WebRTC() webrtc.ICEServer {
	out := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...)}
	if s.Username != "" {
		out.Username = s.Username
		out.Credential = s.Credential
	}
	return out
}

// TURNCredential derives the time-limited TURN REST credential for userID.
// The username is "<expiry-unix>:<userID>" and the password is the base64
// HMAC-SHA1 of the username keyed by the shared secret.
func TURNCredential(secret, userID string, expiresUnix int64) (username, credential string) {
	username = fmt.Sprintf("%d:%s", expiresUnix, userID)
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	return username, base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ICEServers builds the ICE configuration for userID, stores it under
// iceServers and returns it in pion's form. TURN servers are omitted when
// no shared secret is available.
func (s *Store) ICEServers(ctx context.Context, userID string) ([]webrtc.ICEServer, error) {
	if userID == "" {
		return nil, cserrors.NewValidationError("user id cannot be empty", nil)
	}
	servers := make([]ICEServer, 0, 2)
	if len(s.opts.STUNURLs) > 0 {
		servers = append(servers, ICEServer{URLs: s.opts.STUNURLs})
	}
	if len(s.opts.TURNURLs) > 0 {
		secret, ok, err := s.Deps.Secrets.GetSecret(ctx, secrets.TURNSharedSecretKey)
		switch {
		case err != nil:
			return nil, cserrors.NewConfigError("failed to read TURN shared secret", err)
		case !ok || secret == "":
			s.Log.Warnf("TURN servers configured but %s is unset; using STUN only", secrets.TURNSharedSecretKey)
		default:
			s.Deps.Tracker.Add(secret)
			expires := s.Deps.Scheduler.Now().Add(s.opts.CredentialTTL).Unix()
			username, credential := TURNCredential(secret, userID, expires)
			s.Deps.Tracker.Add(credential)
			servers = append(servers, ICEServer{URLs: s.opts.TURNURLs, Username: username, Credential: credential})
		}
	}

	err := s.Update(func(tx *state.Tx) error {
		return tx.Set("iceServers", servers)
	}, csstate.WithPersist(false))
	if err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, len(servers))
	for i, srv := range servers {
		out[i] = srv.WebRTC()
	}
	return out, nil
}

// Configuration returns a pion configuration carrying the stored servers.
func (s *Store) Configuration() webrtc.Configuration {
	var stored []ICEServer
	if _, err := s.GetInto("iceServers", &stored); err != nil {
		s.Log.Warnf("Failed to decode stored ICE servers: %v", err)
	}
	cfg := webrtc.Configuration{}
	for _, srv := range stored {
		cfg.ICEServers = append(cfg.ICEServers, srv.WebRTC())
	}
	return cfg
}
