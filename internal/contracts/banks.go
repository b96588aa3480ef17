package contracts

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/angelmondragon/billing-backend/pkg/gateway"
)

const bankListKey = "banks"

type bankLister interface {
	ListBanks(ctx context.Context) ([]gateway.Bank, error)
}

// BankCache keeps the gateway's bank list for display metadata lookups.
type BankCache struct {
	source bankLister
	cache  *cache.Cache
	mu     sync.Mutex
}

func NewBankCache(source bankLister, ttl time.Duration) *BankCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &BankCache{source: source, cache: cache.New(ttl, 2*ttl)}
}

// Store replaces the cached list, typically with banks returned alongside a fresh authority.
func (b *BankCache) Store(banks []gateway.Bank) {
	if len(banks) == 0 {
		return
	}
	b.cache.SetDefault(bankListKey, banks)
}

func (b *BankCache) List(ctx context.Context) ([]gateway.Bank, error) {
	if banks, ok := b.cache.Get(bankListKey); ok {
		return banks.([]gateway.Bank), nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if banks, ok := b.cache.Get(bankListKey); ok {
		return banks.([]gateway.Bank), nil
	}
	banks, err := b.source.ListBanks(ctx)
	if err != nil {
		return nil, err
	}
	b.Store(banks)
	return banks, nil
}

// Lookup finds a bank by code. ok is false when the code is unknown.
func (b *BankCache) Lookup(ctx context.Context, code string) (gateway.Bank, bool, error) {
	banks, err := b.List(ctx)
	if err != nil {
		return gateway.Bank{}, false, err
	}
	for _, bank := range banks {
		if bank.BankCode == code {
			return bank, true, nil
		}
	}
	return gateway.Bank{}, false, nil
}
