package catalog

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"rwamarket/internal/config"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound       = errors.New("asset not found")
	ErrNoTokens       = errors.New("token quantity must be positive")
	ErrExceedsSupply  = errors.New("token quantity exceeds remaining supply")
	ErrInvalidListing = errors.New("invalid asset listing")
)

// Asset is a tokenized real-world asset listed on the sale contract.
type Asset struct {
	ID            uint64          `json:"id"`
	Title         string          `json:"title"`
	Category      string          `json:"category"`
	Location      string          `json:"location"`
	PricePerToken decimal.Decimal `json:"pricePerToken"`
	MinInvestment decimal.Decimal `json:"minInvestment"`
	TokenSupply   uint64          `json:"tokenSupply"`
	TokensSold    uint64          `json:"tokensSold"`
}

// OnChainID is the asset identifier passed to the sale contract.
func (a Asset) OnChainID() *big.Int {
	return new(big.Int).SetUint64(a.ID)
}

// Available is remaining supply as of the configured listing. TokensSold is a
// snapshot from seed.json and is not advanced by settled purchases; the sale
// contract stays the authority and reverts an oversold purchase.
func (a Asset) Available() uint64 {
	if a.TokensSold >= a.TokenSupply {
		return 0
	}
	return a.TokenSupply - a.TokensSold
}

// Quote prices a token quantity in stablecoin units: tokens × price per token.
// The quantity is bounded by the listing snapshot in Available.
func (a Asset) Quote(tokens uint64) (decimal.Decimal, error) {
	if tokens == 0 {
		return decimal.Zero, ErrNoTokens
	}
	if tokens > a.Available() {
		return decimal.Zero, fmt.Errorf("%w: %d requested, %d available", ErrExceedsSupply, tokens, a.Available())
	}
	return a.PricePerToken.Mul(decimal.NewFromBigInt(new(big.Int).SetUint64(tokens), 0)), nil
}

// Catalog is the read-only set of assets loaded from configuration.
type Catalog struct {
	assets map[uint64]Asset
}

func New(seeds []config.AssetSeed) (*Catalog, error) {
	c := &Catalog{assets: make(map[uint64]Asset, len(seeds))}
	for _, s := range seeds {
		a, err := fromSeed(s)
		if err != nil {
			return nil, err
		}
		c.assets[a.ID] = a
	}
	return c, nil
}

func fromSeed(s config.AssetSeed) (Asset, error) {
	price, err := decimal.NewFromString(s.PricePerToken)
	if err != nil || price.Sign() <= 0 {
		return Asset{}, fmt.Errorf("%w: asset %d price %q", ErrInvalidListing, s.ID, s.PricePerToken)
	}
	minInvestment := decimal.Zero
	if s.MinInvestment != "" {
		minInvestment, err = decimal.NewFromString(s.MinInvestment)
		if err != nil || minInvestment.Sign() < 0 {
			return Asset{}, fmt.Errorf("%w: asset %d minimum investment %q", ErrInvalidListing, s.ID, s.MinInvestment)
		}
	}
	return Asset{
		ID:            s.ID,
		Title:         s.Title,
		Category:      s.Category,
		Location:      s.Location,
		PricePerToken: price,
		MinInvestment: minInvestment,
		TokenSupply:   s.TokenSupply,
		TokensSold:    s.TokensSold,
	}, nil
}

func (c *Catalog) Get(id uint64) (Asset, error) {
	a, ok := c.assets[id]
	if !ok {
		return Asset{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return a, nil
}

// List returns assets ordered by id.
func (c *Catalog) List() []Asset {
	out := make([]Asset, 0, len(c.assets))
	for _, a := range c.assets {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
