package core

import (
	"encoding/base64"
	"encoding/json"
	"sort"
	"strings"
	"time"
)

const (
	stateKey          = "skus:state"
	encryptedPrefix   = "enc:"
	stateWriteRetries = 2
)

type credentialState struct {
	Version     int64                           `json:"version"`
	Orders      map[string]storedOrder          `json:"orders"`
	Credentials map[string]*storedCredentialSet `json:"credentials"`
}

type storedOrder struct {
	Order
	RefreshedAt time.Time `json:"refreshedAt"`
}

type storedCredentialSet struct {
	ItemID      string             `json:"itemId"`
	OrderID     string             `json:"orderId"`
	IssuerID    string             `json:"issuerId"`
	PublicKey   string             `json:"publicKey"`
	Location    string             `json:"location"`
	Type        string             `json:"type"`
	ValidFrom   time.Time          `json:"validFrom"`
	ExpiresAt   time.Time          `json:"expiresAt"`
	Credentials []storedCredential `json:"credentials"`
}

type storedCredential struct {
	UnblindedCredential
	Spent bool `json:"spent"`
}

func newCredentialState() credentialState {
	return credentialState{
		Orders:      map[string]storedOrder{},
		Credentials: map[string]*storedCredentialSet{},
	}
}

func (s *storedCredentialSet) expired(now time.Time) bool {
	if !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt) {
		return true
	}
	return !s.ValidFrom.IsZero() && now.Before(s.ValidFrom)
}

func (s *storedCredentialSet) remaining() int {
	count := 0
	for _, credential := range s.Credentials {
		if !credential.Spent {
			count++
		}
	}
	return count
}

// loadState returns the decoded document and the raw value it came from so a
// later write can detect interleaved writers.
func (e *Engine) loadState() (credentialState, string, error) {
	raw, err := e.host.KVGet(stateKey)
	if err != nil {
		return credentialState{}, "", StorageError(ResultStorageReadFailed, err, "core: read credential state")
	}
	state := newCredentialState()
	if strings.TrimSpace(raw) == "" {
		return state, raw, nil
	}
	plain, err := e.openState(raw)
	if err != nil {
		return credentialState{}, raw, err
	}
	if err := json.Unmarshal(plain, &state); err != nil {
		return credentialState{}, raw, StorageError(ResultStorageReadFailed, err, "core: credential state is corrupt")
	}
	if state.Orders == nil {
		state.Orders = map[string]storedOrder{}
	}
	if state.Credentials == nil {
		state.Credentials = map[string]*storedCredentialSet{}
	}
	return state, raw, nil
}

func (e *Engine) openState(raw string) ([]byte, error) {
	if !strings.HasPrefix(raw, encryptedPrefix) {
		if e.secretProvider != nil {
			e.logger.Warn("credential state is not encrypted", "key", stateKey)
		}
		return []byte(raw), nil
	}
	if e.secretProvider == nil {
		return nil, StorageError(ResultStorageReadFailed, nil, "core: credential state is encrypted but no secret provider is configured")
	}
	sealed, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(raw, encryptedPrefix))
	if err != nil {
		return nil, StorageError(ResultStorageReadFailed, err, "core: decode encrypted credential state")
	}
	plain, err := e.secretProvider.Decrypt(e.ctx, sealed)
	if err != nil {
		return nil, StorageError(ResultStorageReadFailed, err, "core: decrypt credential state")
	}
	return plain, nil
}

func (e *Engine) sealState(state credentialState) (string, error) {
	plain, err := json.Marshal(state)
	if err != nil {
		return "", InternalError(ResultSerializationFailed, err, "core: encode credential state")
	}
	if e.secretProvider == nil {
		return string(plain), nil
	}
	sealed, err := e.secretProvider.Encrypt(e.ctx, plain)
	if err != nil {
		return "", StorageError(ResultStorageWriteFailed, err, "core: encrypt credential state")
	}
	return encryptedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// writeState replaces previous with state, failing with BorrowFailed when
// another writer got there first.
func (e *Engine) writeState(state credentialState, previous string) error {
	state.Version++
	value, err := e.sealState(state)
	if err != nil {
		return err
	}
	if cas, ok := e.host.(KVCompareAndSetter); ok {
		swapped, err := cas.KVCompareAndSet(stateKey, previous, value)
		if err != nil {
			return StorageError(ResultStorageWriteFailed, err, "core: write credential state")
		}
		if !swapped {
			return StorageError(ResultBorrowFailed, nil, "core: credential state changed concurrently")
		}
		return nil
	}
	current, err := e.host.KVGet(stateKey)
	if err != nil {
		return StorageError(ResultStorageReadFailed, err, "core: re-read credential state")
	}
	if current != previous {
		return StorageError(ResultBorrowFailed, nil, "core: credential state changed concurrently")
	}
	if err := e.host.KVSet(stateKey, value); err != nil {
		return StorageError(ResultStorageWriteFailed, err, "core: write credential state")
	}
	return nil
}

// updateState runs one read-modify-write, repeating it up to retries times
// when the write loses a race.
func (e *Engine) updateState(retries int, mutate func(*credentialState) error) error {
	for attempt := 0; ; attempt++ {
		state, raw, err := e.loadState()
		if err != nil {
			return err
		}
		if err := mutate(&state); err != nil {
			return err
		}
		err = e.writeState(state, raw)
		if err == nil || ResultFromError(err) != ResultBorrowFailed || attempt >= retries {
			return err
		}
		e.logger.Debug("credential state write conflicted, retrying", "attempt", attempt+1)
	}
}

// domainSets returns the credential sets usable for domain in selection order.
func domainSets(state credentialState, domain string) []*storedCredentialSet {
	domain = strings.TrimSpace(domain)
	out := make([]*storedCredentialSet, 0)
	if domain == "" {
		return out
	}
	for _, set := range state.Credentials {
		if set != nil && strings.EqualFold(set.Location, domain) {
			out = append(out, set)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			if out[i].ExpiresAt.IsZero() {
				return false
			}
			if out[j].ExpiresAt.IsZero() {
				return true
			}
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].ItemID < out[j].ItemID
	})
	return out
}

func selectCredential(state credentialState, domain string, now time.Time) (*storedCredentialSet, int, error) {
	sets := domainSets(state, domain)
	if len(sets) == 0 {
		return nil, 0, DomainError(ResultItemCredentialsMissing, "core: no credentials for domain", map[string]any{"domain": domain})
	}
	sawExpired := false
	sawLive := false
	for _, set := range sets {
		if set.expired(now) {
			sawExpired = true
			continue
		}
		sawLive = true
		for index := range set.Credentials {
			if !set.Credentials[index].Spent {
				return set, index, nil
			}
		}
	}
	if sawExpired && !sawLive {
		return nil, 0, DomainError(ResultItemCredentialsExpired, "core: credentials for domain have expired", map[string]any{"domain": domain})
	}
	return nil, 0, DomainError(ResultItemCredentialsMissing, "core: credentials for domain are used up", map[string]any{"domain": domain})
}
