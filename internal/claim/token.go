package claim

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"dpswallet/internal/ledger"
)

// Offer is the payload a sender advertises. It is carried entirely inside the
// token: nothing is persisted until someone claims it. The nonce gives the
// offer a stable identity for the durable claimed-marker, independent of any
// UI state.
type Offer struct {
	SenderID  int64  `json:"s"`
	Amount    int64  `json:"a"`
	Nonce     string `json:"n"`
	CreatedAt int64  `json:"t"`
}

// ID keys the claimed-offer marker.
func (o Offer) ID() string {
	return fmt.Sprintf("%d:%s", o.SenderID, o.Nonce)
}

func (o Offer) Created() time.Time {
	return time.Unix(o.CreatedAt, 0).UTC()
}

// Codec signs and verifies offer tokens. Tokens are
// base64url(json payload) + "." + base64url(hmac-sha256(payload)); anything
// that does not verify decodes to ErrInvalidOffer.
type Codec struct {
	secret []byte
}

func NewCodec(secret string) *Codec {
	return &Codec{secret: []byte(secret)}
}

func (c *Codec) NewOffer(senderID, amount int64) (Offer, error) {
	if amount <= 0 {
		return Offer{}, ledger.ErrInvalidAmount
	}
	var buf [12]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return Offer{}, fmt.Errorf("claim: nonce: %w", err)
	}
	return Offer{
		SenderID:  senderID,
		Amount:    amount,
		Nonce:     hex.EncodeToString(buf[:]),
		CreatedAt: time.Now().UTC().Unix(),
	}, nil
}

func (c *Codec) Encode(o Offer) (string, error) {
	payload, err := json.Marshal(o)
	if err != nil {
		return "", err
	}
	enc := base64.RawURLEncoding
	return enc.EncodeToString(payload) + "." + enc.EncodeToString(c.sign(payload)), nil
}

func (c *Codec) Decode(token string) (*Offer, error) {
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 2 {
		return nil, ledger.ErrInvalidOffer
	}
	enc := base64.RawURLEncoding
	payload, err := enc.DecodeString(parts[0])
	if err != nil {
		return nil, ledger.ErrInvalidOffer
	}
	sig, err := enc.DecodeString(parts[1])
	if err != nil {
		return nil, ledger.ErrInvalidOffer
	}
	if !hmac.Equal(sig, c.sign(payload)) {
		return nil, ledger.ErrInvalidOffer
	}
	var o Offer
	if err := json.Unmarshal(payload, &o); err != nil {
		return nil, ledger.ErrInvalidOffer
	}
	if o.Amount <= 0 || o.Nonce == "" {
		return nil, ledger.ErrInvalidOffer
	}
	return &o, nil
}

func (c *Codec) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}
