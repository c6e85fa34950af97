package claim

import (
	"context"
	"errors"
	"log"
	"time"

	"dpswallet/internal/ledger"
)

// Guard is an optional fast-path reservation on an offer id (redis SETNX).
// It rejects obvious replays before the database is touched; the unique
// constraint on the claimed-offer marker remains the authority.
type Guard interface {
	Reserve(ctx context.Context, offerID string, receiverID int64) (bool, error)
	Release(ctx context.Context, offerID string)
}

// Protocol drives the offer state machine:
//
//	Offered -> Claimed  (terminal, exactly one receiver)
//	Offered -> Expired  (terminal, CreatedAt + TTL elapsed)
//
// No balance moves at offer time; settlement happens atomically at claim time
// through the ledger engine.
type Protocol struct {
	codec  *Codec
	engine *ledger.Engine
	ttl    time.Duration
	guard  Guard
}

// NewProtocol builds a protocol. ttl <= 0 disables expiry; guard may be nil.
func NewProtocol(codec *Codec, engine *ledger.Engine, ttl time.Duration, guard Guard) *Protocol {
	return &Protocol{codec: codec, engine: engine, ttl: ttl, guard: guard}
}

// CreateOffer mints a signed single-use token for senderID. The sender's
// balance is not reserved: it is checked when the claim settles.
func (p *Protocol) CreateOffer(senderID, amount int64) (string, *Offer, error) {
	offer, err := p.codec.NewOffer(senderID, amount)
	if err != nil {
		return "", nil, err
	}
	token, err := p.codec.Encode(offer)
	if err != nil {
		return "", nil, err
	}
	return token, &offer, nil
}

// Claim settles an offer token for receiverID. Replays return
// ledger.ErrAlreadyClaimed with no balance change; concurrent claims are
// first-committer-wins on the durable marker.
func (p *Protocol) Claim(ctx context.Context, receiverID int64, token string) (*ledger.TransferResult, *Offer, error) {
	offer, err := p.codec.Decode(token)
	if err != nil {
		return nil, nil, err
	}
	if p.ttl > 0 && time.Now().UTC().After(offer.Created().Add(p.ttl)) {
		return nil, offer, ledger.ErrOfferExpired
	}
	if offer.SenderID == receiverID {
		return nil, offer, ledger.ErrSelfClaim
	}

	if p.guard != nil {
		ok, gerr := p.guard.Reserve(ctx, offer.ID(), receiverID)
		if gerr != nil {
			// Fast path only; fall through to the database on guard trouble.
			log.Printf("claim guard: %v", gerr)
		} else if !ok {
			return nil, offer, ledger.ErrAlreadyClaimed
		}
	}

	res, err := p.engine.ClaimTransfer(ctx, offer.ID(), offer.SenderID, receiverID, offer.Amount)
	if err != nil {
		// A failed settlement (e.g. sender went broke) leaves the offer
		// claimable by someone else; free the reservation.
		if p.guard != nil && !errors.Is(err, ledger.ErrAlreadyClaimed) {
			p.guard.Release(ctx, offer.ID())
		}
		return nil, offer, err
	}
	return res, offer, nil
}
