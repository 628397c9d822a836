package models

import (
	"fmt"
	"time"
)

// AlertTypeEmail is the only alert type this relay produces.
const AlertTypeEmail = "email"

// Alert is a delivered email alert as persisted in the alert store.
// Field names mirror the on-disk record; the store appends alerts in
// delivery order and never rewrites them.
type Alert struct {
	ID         string    `json:"id"`
	UID        string    `json:"uid"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	Sender     string    `json:"sender"`
	ReceivedAt time.Time `json:"received_date"`
	StoredAt   time.Time `json:"stored_date"`
	Type       string    `json:"alert_type"`
	Route      string    `json:"route"`
}

// AlertID derives the stable identifier for a stored alert from its
// sequence number and mailbox UID. Reprocessing the same message yields
// an identifier the dedup check can recognize.
func AlertID(seq int, uid string) string {
	return fmt.Sprintf("alert_%d_%s", seq, uid)
}

// Clone returns a copy so callers can hand alerts across goroutines
// without sharing the original.
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	copy := *a
	return &copy
}
