// Package certificate issues clearing certificates for settled cases.
//
// Import Path: goldclear.io/clearing/internal/certificate
package certificate

import (
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"goldclear.io/clearing/internal/domain"
)

// ErrNotSettled is returned for cases without a DVP_EXECUTED entry.
var ErrNotSettled = errors.New("settlement is not settled")

// Payload is the signed content of a certificate. Field order is fixed, so
// its JSON encoding is canonical.
type Payload struct {
	CertificateID   string   `json:"certificate_id"`
	SettlementID    string   `json:"settlement_id"`
	OrderID         string   `json:"order_id"`
	BuyerOrgID      string   `json:"buyer_org_id"`
	SellerOrgID     string   `json:"seller_org_id"`
	WeightOz        string   `json:"weight_oz"`
	PricePerOz      string   `json:"price_per_oz"`
	NotionalUSD     string   `json:"notional_usd"`
	CorridorID      string   `json:"corridor_id"`
	VaultHubID      string   `json:"vault_hub_id"`
	Rail            string   `json:"rail"`
	ExternalIDs     []string `json:"external_ids"`
	AuthorizedBy    string   `json:"authorized_by"`
	AuthorizedRole  string   `json:"authorized_role"`
	ApprovalTier    string   `json:"approval_tier"`
	ExecutedBy      string   `json:"executed_by"`
	SettledAt       string   `json:"settled_at"`
	LedgerSeq       int64    `json:"ledger_seq"`
	LedgerEntryID   string   `json:"ledger_entry_id"`
	ECRAtExecution  string   `json:"ecr_at_execution"`
	TRIAtExecution  string   `json:"tri_at_execution"`
	LogisticsBooked bool     `json:"logistics_booked"`
}

// Certificate is a payload plus its signature hash.
type Certificate struct {
	Payload
	SignatureHash string `json:"signature_hash"`
	Algorithm     string `json:"algorithm"`
}

// Issuer signs certificates with a blake2b-256 keyed hash.
type Issuer struct {
	key []byte
}

// NewIssuer creates an Issuer. An empty key produces unkeyed hashes.
func NewIssuer(key string) (*Issuer, error) {
	if len(key) > blake2b.Size {
		return nil, fmt.Errorf("certificate key must be at most %d bytes", blake2b.Size)
	}
	return &Issuer{key: []byte(key)}, nil
}

// ID derives the certificate ID from the settlement and its execution entry.
func ID(settlementID, dvpEntryID string) string {
	sum := blake2b.Sum256([]byte(settlementID + "|" + dvpEntryID))
	return "GCC-" + strings.ToUpper(hex.EncodeToString(sum[:10]))
}

// Issue builds the certificate for c from its ledger. The result is the same
// for the same inputs.
func (is *Issuer) Issue(c *domain.SettlementCase, entries []domain.LedgerEntry) (*Certificate, error) {
	if c.Status != domain.SettlementSettled {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotSettled, c.ID, c.Status)
	}

	var auth, dvp *domain.LedgerEntry
	logistics := true
	for i := range entries {
		e := &entries[i]
		switch e.Type {
		case domain.EntryAuthorization:
			auth = e
		case domain.EntryDvPExecuted:
			dvp = e
		case domain.EntryLogisticsFailed:
			logistics = false
		}
	}
	if dvp == nil || auth == nil || auth.Seq > dvp.Seq {
		return nil, fmt.Errorf("%w: %s has no authorized execution entry", ErrNotSettled, c.ID)
	}

	p := Payload{
		CertificateID:   ID(c.ID, dvp.ID),
		SettlementID:    c.ID,
		OrderID:         c.OrderID,
		BuyerOrgID:      c.BuyerOrgID,
		SellerOrgID:     c.SellerOrgID,
		WeightOz:        c.WeightOz.String(),
		PricePerOz:      c.PricePerOzLocked.StringFixed(2),
		NotionalUSD:     c.NotionalUSD.StringFixed(2),
		CorridorID:      c.CorridorID,
		VaultHubID:      c.VaultHubID,
		Rail:            dvp.Detail["rail"],
		ExternalIDs:     splitIDs(dvp.Detail["external_ids"]),
		AuthorizedBy:    auth.Actor,
		AuthorizedRole:  string(auth.ActorRole),
		ApprovalTier:    auth.Snapshot.ApprovalTier,
		ExecutedBy:      dvp.Actor,
		SettledAt:       dvp.Timestamp.UTC().Format(time.RFC3339Nano),
		LedgerSeq:       dvp.Seq,
		LedgerEntryID:   dvp.ID,
		ECRAtExecution:  dvp.Snapshot.ECRAtAction.String(),
		TRIAtExecution:  dvp.Snapshot.TRIScore.StringFixed(2),
		LogisticsBooked: logistics,
	}
	sig, err := is.sign(p)
	if err != nil {
		return nil, err
	}
	return &Certificate{Payload: p, SignatureHash: sig, Algorithm: is.algorithm()}, nil
}

// Verify recomputes the signature hash of cert.
func (is *Issuer) Verify(cert *Certificate) (bool, error) {
	sig, err := is.sign(cert.Payload)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(cert.SignatureHash)) == 1, nil
}

func (is *Issuer) sign(p Payload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode certificate payload: %w", err)
	}
	h, err := blake2b.New256(is.key)
	if err != nil {
		return "", fmt.Errorf("init blake2b: %w", err)
	}
	h.Write(raw)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// splitIDs parses the comma-joined rail transfer IDs of a ledger entry.
func splitIDs(joined string) []string {
	out := []string{}
	for _, id := range strings.Split(joined, ",") {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

func (is *Issuer) algorithm() string {
	if len(is.key) > 0 {
		return "blake2b-256-keyed"
	}
	return "blake2b-256"
}
