// Package audit provides PDR (Process Decision Record) writing for cadence.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/fentz26/cadence/internal/models"
)

// Action names recorded in the audit trail.
const (
	ActionCycleRun         = "cycle.run"
	ActionPerform          = "action.perform"
	ActionAdmissionDenied  = "admission.denied"
	ActionAdmissionChange  = "admission.change"
	ActionProspectOverride = "prospect.override"
	ActionCampaignCreate   = "campaign.create"
)

// Sink persists decision records.
type Sink interface {
	WritePDR(ctx context.Context, action, inputsHash, outcome, campaignID, details string) (*models.PDREntry, error)
}

// PDRWriter writes Process Decision Records for audit trails.
type PDRWriter struct {
	sink Sink
}

// NewPDRWriter creates a new PDR writer. A nil sink discards records.
func NewPDRWriter(s Sink) *PDRWriter {
	return &PDRWriter{sink: s}
}

// Record writes a PDR entry for a state-mutating action.
func (w *PDRWriter) Record(ctx context.Context, action string, inputs interface{}, outcome, campaignID, details string) (*models.PDREntry, error) {
	if w == nil || w.sink == nil {
		return nil, nil
	}
	return w.sink.WritePDR(ctx, action, HashInputs(inputs), outcome, campaignID, details)
}

// HashInputs creates a SHA256 hash of the inputs for reproducibility.
func HashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
