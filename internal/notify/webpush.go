package notify

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

// ErrSubscriptionGone is returned when the push service reports the
// subscription as expired (HTTP 410), per spec.md §4.6 step 4 / §7.
var ErrSubscriptionGone = errors.New("notify: push subscription gone")

// PushMessage is the JSON payload encrypted into the push body, per spec.md
// §6.
type PushMessage struct {
	Title              string                 `json:"title"`
	Body               string                 `json:"body"`
	Icon               string                 `json:"icon,omitempty"`
	Badge              string                 `json:"badge,omitempty"`
	Tag                string                 `json:"tag"`
	RequireInteraction bool                   `json:"requireInteraction"`
	Data               map[string]interface{} `json:"data"`
}

// Subscription mirrors the standard Web Push subscription object.
type Subscription struct {
	Endpoint string
	P256dh   string // base64url-encoded uncompressed EC point
	Auth     string // base64url-encoded 16-byte auth secret
}

// VAPIDKeys holds the application server's identity keypair. PublicKey and
// PrivateKey are base64url (no padding), matching the standard VAPID key
// export format. There is no webpush library anywhere in the retrieval pack
// (confirmed by search); this package builds RFC 8291/8292 directly on
// golang-jwt's ES256 signer and x/crypto/hkdf rather than fabricating a
// dependency.
type VAPIDKeys struct {
	PublicKey  string
	PrivateKey string
	Subject    string // "mailto:ops@example.com" or an https URL
}

// WebPushSender sends RFC 8291 encrypted payloads with an RFC 8292 VAPID
// assertion.
type WebPushSender struct {
	httpClient *http.Client
	keys       VAPIDKeys
}

// NewWebPushSender builds a sender for the given VAPID identity.
func NewWebPushSender(keys VAPIDKeys) *WebPushSender {
	return &WebPushSender{httpClient: &http.Client{Timeout: webhookTimeout}, keys: keys}
}

// Send encrypts msg for sub and POSTs it to the subscription's endpoint.
// Returns ErrSubscriptionGone on a 410 response.
func (w *WebPushSender) Send(ctx context.Context, sub Subscription, msg PushMessage) error {
	plaintext, err := marshalPushMessage(msg)
	if err != nil {
		return err
	}

	body, err := encryptAES128GCM(plaintext, sub)
	if err != nil {
		return fmt.Errorf("encrypt push payload: %w", err)
	}

	vapidJWT, err := w.vapidAssertion(sub.Endpoint)
	if err != nil {
		return fmt.Errorf("build vapid assertion: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Encoding", "aes128gcm")
	req.Header.Set("TTL", "86400")
	req.Header.Set("Authorization", fmt.Sprintf("vapid t=%s, k=%s", vapidJWT, w.keys.PublicKey))

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send push request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		return ErrSubscriptionGone
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("push service returned status %d", resp.StatusCode)
	}
	return nil
}

func marshalPushMessage(msg PushMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal push message: %w", err)
	}
	return data, nil
}

// vapidAssertion mints the RFC 8292 JWT: aud is the endpoint's origin,
// sub identifies the application server, exp is bounded to 12h.
func (w *WebPushSender) vapidAssertion(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse push endpoint: %w", err)
	}
	aud := u.Scheme + "://" + u.Host

	priv, err := decodeVAPIDPrivateKey(w.keys.PrivateKey)
	if err != nil {
		return "", err
	}

	claims := jwt.RegisteredClaims{
		Audience:  jwt.ClaimStrings{aud},
		Subject:   w.keys.Subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(12 * time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	return token.SignedString(priv)
}

func decodeVAPIDPrivateKey(encoded string) (*ecdsa.PrivateKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode vapid private key: %w", err)
	}
	curve := elliptic.P256()
	priv := new(ecdsa.PrivateKey)
	priv.Curve = curve
	priv.D = new(big.Int).SetBytes(raw)
	priv.PublicKey.X, priv.PublicKey.Y = curve.ScalarBaseMult(raw)
	return priv, nil
}

// encryptAES128GCM implements the RFC 8291 "aes128gcm" content-coding over a
// single record (the push payload is always small enough to fit one
// record): derive an ephemeral ECDH keypair, compute the shared secret with
// the subscription's public key, derive IKM from (shared secret, auth
// secret, subscriber public key, server public key), then derive the
// content-encryption key and nonce from (IKM, salt), and seal with
// AES-128-GCM. The wire format is
// salt(16) || rs(4) || idlen(1) || keyid(idlen) || ciphertext.
func encryptAES128GCM(plaintext []byte, sub Subscription) ([]byte, error) {
	clientPub, err := base64.RawURLEncoding.DecodeString(sub.P256dh)
	if err != nil {
		return nil, fmt.Errorf("decode subscription p256dh: %w", err)
	}
	authSecret, err := base64.RawURLEncoding.DecodeString(sub.Auth)
	if err != nil {
		return nil, fmt.Errorf("decode subscription auth secret: %w", err)
	}

	curve := ecdh.P256()
	clientKey, err := curve.NewPublicKey(clientPub)
	if err != nil {
		return nil, fmt.Errorf("parse subscription public key: %w", err)
	}

	serverPriv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	serverPub := serverPriv.PublicKey().Bytes()

	sharedSecret, err := serverPriv.ECDH(clientKey)
	if err != nil {
		return nil, fmt.Errorf("compute ecdh shared secret: %w", err)
	}

	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	ikm, err := deriveIKM(sharedSecret, authSecret, clientPub, serverPub)
	if err != nil {
		return nil, err
	}
	cek, err := hkdfExpand(ikm, salt, []byte("Content-Encoding: aes128gcm\x00"), 16)
	if err != nil {
		return nil, err
	}
	nonce, err := hkdfExpand(ikm, salt, []byte("Content-Encoding: nonce\x00"), 12)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, fmt.Errorf("build aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("build gcm: %w", err)
	}

	// A single-record delimiter byte (0x02) is appended to the plaintext
	// per RFC 8188 §2 to mark it as the final record.
	padded := append(append([]byte{}, plaintext...), 0x02)
	ciphertext := gcm.Seal(nil, nonce, padded, nil)

	var header bytes.Buffer
	header.Write(salt)
	var rs [4]byte
	binary.BigEndian.PutUint32(rs[:], uint32(len(ciphertext)))
	header.Write(rs[:])
	header.WriteByte(byte(len(serverPub)))
	header.Write(serverPub)
	header.Write(ciphertext)

	return header.Bytes(), nil
}

// deriveIKM computes the RFC 8291 §3.3 input keying material:
// HKDF-Extract(auth_secret, ecdh_secret) expanded with an info string that
// binds both parties' public keys.
func deriveIKM(sharedSecret, authSecret, clientPub, serverPub []byte) ([]byte, error) {
	info := bytes.NewBuffer(nil)
	info.WriteString("WebPush: info\x00")
	info.Write(clientPub)
	info.Write(serverPub)

	reader := hkdf.New(sha256.New, sharedSecret, authSecret, info.Bytes())
	ikm := make([]byte, 32)
	if _, err := io.ReadFull(reader, ikm); err != nil {
		return nil, fmt.Errorf("derive ikm: %w", err)
	}
	return ikm, nil
}

func hkdfExpand(ikm, salt, info []byte, length int) ([]byte, error) {
	reader := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return out, nil
}

