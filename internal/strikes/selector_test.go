package strikes

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/P0W/option-strategies/internal/broker"
	"github.com/P0W/option-strategies/internal/models"
)

func chainClient(contracts []models.Contract) *broker.MockClient {
	return &broker.MockClient{
		GetOptionChainFunc: func(_, _ string, _ time.Time) ([]models.Contract, error) {
			return contracts, nil
		},
	}
}

func sampleChain() []models.Contract {
	return []models.Contract{
		{ScripCode: 11, Name: "NIFTY 19550 CE", Strike: 19550, CPType: "CE", LastRate: 14.7},
		{ScripCode: 12, Name: "NIFTY 19600 CE", Strike: 19600, CPType: "CE", LastRate: 8.5},
		{ScripCode: 13, Name: "NIFTY 19650 CE", Strike: 19650, CPType: "CE", LastRate: 5.2},
		{ScripCode: 21, Name: "NIFTY 19550 PE", Strike: 19550, CPType: "PE", LastRate: 5.6},
		{ScripCode: 22, Name: "NIFTY 19600 PE", Strike: 19600, CPType: "PE", LastRate: 8.1},
		{ScripCode: 23, Name: "NIFTY 19650 PE", Strike: 19650, CPType: "PE", LastRate: 13.9},
	}
}

func TestStraddleStrikesPicksMinimumSpread(t *testing.T) {
	s := NewSelector(chainClient(sampleChain()), nil)

	pair, err := s.StraddleStrikes("N", "NIFTY", time.Now())
	require.NoError(t, err)
	// 19600 has |8.5-8.1| = 0.4, the tightest CE/PE spread.
	assert.Equal(t, 19600.0, pair.Call.Strike)
	assert.Equal(t, 19600.0, pair.Put.Strike)
}

func TestStraddleStrikesSkipsDeadQuotes(t *testing.T) {
	chain := sampleChain()
	chain[1].LastRate = 0 // kill the 19600 CE quote
	s := NewSelector(chainClient(chain), nil)

	pair, err := s.StraddleStrikes("N", "NIFTY", time.Now())
	require.NoError(t, err)
	assert.NotEqual(t, 19600.0, pair.Call.Strike, "strike with a zero-rate leg must not be picked")
}

func TestStraddleStrikesEmptyChain(t *testing.T) {
	s := NewSelector(chainClient(nil), nil)
	_, err := s.StraddleStrikes("N", "NIFTY", time.Now())
	assert.ErrorIs(t, err, ErrNoStrikes)
}

func TestStrangleStrikesClosestAboveThreshold(t *testing.T) {
	s := NewSelector(chainClient(sampleChain()), nil)

	pair, err := s.StrangleStrikes("N", "NIFTY", time.Now(), 7.0)
	require.NoError(t, err)
	// Closest premiums at or above 7.0: CE 8.5, PE 8.1. The 5.x quotes sit
	// below the threshold and are skipped.
	assert.Equal(t, 12, pair.Call.ScripCode)
	assert.Equal(t, 22, pair.Put.ScripCode)
}

func TestStrangleStrikesNoMatch(t *testing.T) {
	s := NewSelector(chainClient(sampleChain()), nil)
	_, err := s.StrangleStrikes("N", "NIFTY", time.Now(), 100.0)
	assert.ErrorIs(t, err, ErrNoStrikes)
}

func TestCurrentExpiryPicksNearestUpcoming(t *testing.T) {
	now := time.Now()
	past := now.AddDate(0, 0, -7)
	near := now.AddDate(0, 0, 2)
	far := now.AddDate(0, 0, 9)
	client := &broker.MockClient{
		GetExpiryFunc: func(_, _ string) ([]time.Time, error) {
			return []time.Time{far, past, near}, nil
		},
	}
	s := NewSelector(client, nil)

	expiry, err := s.CurrentExpiry("N", "NIFTY")
	require.NoError(t, err)
	assert.True(t, expiry.Equal(near), "expected %v, got %v", near, expiry)
}

func TestCurrentExpiryAllInThePast(t *testing.T) {
	client := &broker.MockClient{
		GetExpiryFunc: func(_, _ string) ([]time.Time, error) {
			return []time.Time{time.Now().AddDate(0, -1, 0)}, nil
		},
	}
	s := NewSelector(client, nil)
	_, err := s.CurrentExpiry("N", "NIFTY")
	assert.Error(t, err)
}

func TestVix(t *testing.T) {
	client := &broker.MockClient{
		FetchMarketDepthFunc: func(_ []models.Instrument) (map[int]float64, error) {
			return map[int]float64{
				models.NiftyIndex:     19650.0,
				models.BankNiftyIndex: 44380.0,
				models.IndiaVixIndex:  11.5,
			}, nil
		},
	}
	s := NewSelector(client, nil)

	vix, err := s.Vix("N")
	require.NoError(t, err)
	assert.Equal(t, 11.5, vix)

	spots, err := s.IndexSpots("N")
	require.NoError(t, err)
	assert.Len(t, spots, 3)
}
