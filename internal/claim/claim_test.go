package claim_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dpswallet/internal/claim"
	"dpswallet/internal/ledger"
	"dpswallet/internal/store/memory"
)

func newTestProtocol(t *testing.T, ttl time.Duration, guard claim.Guard) (*claim.Protocol, *ledger.Engine) {
	t.Helper()
	store := memory.New(1_000_000)
	engine := ledger.NewEngine(store, ledger.Config{}, nil)
	return claim.NewProtocol(claim.NewCodec("test-secret"), engine, ttl, guard), engine
}

func fund(t *testing.T, engine *ledger.Engine, id, amount int64) {
	t.Helper()
	require.NoError(t, engine.CreditFromTreasury(context.Background(), id, amount, ledger.KindTreasurySend, nil))
}

func TestCodecRoundtrip(t *testing.T) {
	codec := claim.NewCodec("secret")
	offer, err := codec.NewOffer(7, 120)
	require.NoError(t, err)
	require.NotEmpty(t, offer.Nonce)
	require.Equal(t, "7:"+offer.Nonce, offer.ID())

	token, err := codec.Encode(offer)
	require.NoError(t, err)

	got, err := codec.Decode(token)
	require.NoError(t, err)
	require.Equal(t, offer, *got)
}

func TestCodecRejections(t *testing.T) {
	codec := claim.NewCodec("secret")
	offer, err := codec.NewOffer(7, 120)
	require.NoError(t, err)
	token, err := codec.Encode(offer)
	require.NoError(t, err)

	cases := map[string]string{
		"garbage":      "not-a-token",
		"no signature": strings.Split(token, ".")[0],
		"bad base64":   "!!!.???",
		"tampered":     "eyJzIjo5OTl9." + strings.Split(token, ".")[1],
	}
	for name, tok := range cases {
		_, err := codec.Decode(tok)
		require.ErrorIs(t, err, ledger.ErrInvalidOffer, name)
	}

	// Signed under a different secret.
	other, err := claim.NewCodec("other").Encode(offer)
	require.NoError(t, err)
	_, err = codec.Decode(other)
	require.ErrorIs(t, err, ledger.ErrInvalidOffer)

	_, err = codec.NewOffer(7, 0)
	require.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func TestClaimSettles(t *testing.T) {
	p, engine := newTestProtocol(t, 24*time.Hour, nil)
	ctx := context.Background()
	fund(t, engine, 1, 500)

	token, offer, err := p.CreateOffer(1, 200)
	require.NoError(t, err)
	require.Equal(t, int64(200), offer.Amount)

	res, _, err := p.Claim(ctx, 2, token)
	require.NoError(t, err)
	require.Equal(t, int64(300), res.SenderBalance)
	require.Equal(t, int64(200), res.ReceiverBalance)
}

func TestClaimReplayRejected(t *testing.T) {
	p, engine := newTestProtocol(t, 24*time.Hour, nil)
	ctx := context.Background()
	fund(t, engine, 1, 500)

	token, _, err := p.CreateOffer(1, 100)
	require.NoError(t, err)

	_, _, err = p.Claim(ctx, 2, token)
	require.NoError(t, err)

	_, _, err = p.Claim(ctx, 2, token)
	require.ErrorIs(t, err, ledger.ErrAlreadyClaimed)
	_, _, err = p.Claim(ctx, 3, token)
	require.ErrorIs(t, err, ledger.ErrAlreadyClaimed)

	receiver, err := engine.Get(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, int64(100), receiver.Balance)
}

func TestClaimSelfRejected(t *testing.T) {
	p, engine := newTestProtocol(t, 24*time.Hour, nil)
	fund(t, engine, 1, 500)

	token, _, err := p.CreateOffer(1, 100)
	require.NoError(t, err)

	_, _, err = p.Claim(context.Background(), 1, token)
	require.ErrorIs(t, err, ledger.ErrSelfClaim)
}

func TestClaimExpired(t *testing.T) {
	p, engine := newTestProtocol(t, time.Hour, nil)
	fund(t, engine, 1, 500)

	codec := claim.NewCodec("test-secret")
	offer, err := codec.NewOffer(1, 100)
	require.NoError(t, err)
	offer.CreatedAt = time.Now().UTC().Add(-2 * time.Hour).Unix()
	token, err := codec.Encode(offer)
	require.NoError(t, err)

	_, _, err = p.Claim(context.Background(), 2, token)
	require.ErrorIs(t, err, ledger.ErrOfferExpired)
}

func TestClaimFailedSettlementStaysClaimable(t *testing.T) {
	p, engine := newTestProtocol(t, 24*time.Hour, nil)
	ctx := context.Background()
	_, _, err := engine.GetOrCreate(ctx, 1, "", "")
	require.NoError(t, err)

	token, _, err := p.CreateOffer(1, 100)
	require.NoError(t, err)

	// Sender has no funds yet; the first claim fails but leaves no marker.
	_, _, err = p.Claim(ctx, 2, token)
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	fund(t, engine, 1, 100)
	_, _, err = p.Claim(ctx, 2, token)
	require.NoError(t, err)
	_, _, err = p.Claim(ctx, 3, token)
	require.ErrorIs(t, err, ledger.ErrAlreadyClaimed)
}

// fakeGuard records calls and answers Reserve from a script.
type fakeGuard struct {
	allow    bool
	err      error
	reserves int
	releases int
}

func (g *fakeGuard) Reserve(_ context.Context, _ string, _ int64) (bool, error) {
	g.reserves++
	return g.allow, g.err
}

func (g *fakeGuard) Release(_ context.Context, _ string) { g.releases++ }

func TestClaimGuardFastPath(t *testing.T) {
	guard := &fakeGuard{allow: false}
	p, engine := newTestProtocol(t, 24*time.Hour, guard)
	fund(t, engine, 1, 500)

	token, _, err := p.CreateOffer(1, 100)
	require.NoError(t, err)

	_, _, err = p.Claim(context.Background(), 2, token)
	require.ErrorIs(t, err, ledger.ErrAlreadyClaimed)
	require.Equal(t, 1, guard.reserves)

	// Balance untouched: the guard short-circuited before settlement.
	sender, err := engine.Get(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, int64(500), sender.Balance)
}

func TestClaimGuardReleasedOnFailedSettlement(t *testing.T) {
	guard := &fakeGuard{allow: true}
	p, engine := newTestProtocol(t, 24*time.Hour, guard)
	ctx := context.Background()
	_, _, err := engine.GetOrCreate(ctx, 1, "", "")
	require.NoError(t, err)

	token, _, err := p.CreateOffer(1, 100)
	require.NoError(t, err)

	_, _, err = p.Claim(ctx, 2, token)
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	require.Equal(t, 1, guard.releases)
}

func TestClaimGuardErrorFallsThrough(t *testing.T) {
	guard := &fakeGuard{allow: false, err: context.DeadlineExceeded}
	p, engine := newTestProtocol(t, 24*time.Hour, guard)
	ctx := context.Background()
	fund(t, engine, 1, 500)

	token, _, err := p.CreateOffer(1, 100)
	require.NoError(t, err)

	// Guard trouble must not block the durable path.
	res, _, err := p.Claim(ctx, 2, token)
	require.NoError(t, err)
	require.Equal(t, int64(100), res.ReceiverBalance)
}
