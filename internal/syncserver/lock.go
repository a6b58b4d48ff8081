package syncserver

import (
	"encoding/xml"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultLockDuration is how long a sync lock is declared valid before other
// clients may treat it as abandoned. A larger value reduces false "stolen
// lock" failures at the cost of slower recovery from a crashed holder.
const DefaultLockDuration = 2 * time.Minute

// lockRenewalMargin is how much earlier than the declared duration the lock
// is rewritten while the transaction stays open.
const lockRenewalMargin = 20 * time.Second

// SyncLockInfo is the transient remote marker preventing concurrent
// transactions.
type SyncLockInfo struct {
	TransactionID string
	ClientID      string
	RenewCount    int
	Duration      time.Duration
	Revision      int
}

// newSyncLock creates a lock for a new transaction.
func newSyncLock(clientID string, revision int, duration time.Duration) *SyncLockInfo {
	return &SyncLockInfo{
		TransactionID: uuid.NewString(),
		ClientID:      clientID,
		Duration:      duration,
		Revision:      revision,
	}
}

// HashString identifies a lock state. Two reads yielding the same hash mean
// the lock has not been renewed in between.
func (l *SyncLockInfo) HashString() string {
	return fmt.Sprintf("%s-%s-%d-%s-%d", l.TransactionID, l.ClientID, l.RenewCount, l.Duration, l.Revision)
}

type lockXML struct {
	XMLName       xml.Name `xml:"lock"`
	TransactionID string   `xml:"transaction-id"`
	ClientID      string   `xml:"client-id"`
	RenewCount    int      `xml:"renew-count"`
	Duration      string   `xml:"lock-expiration-duration"`
	Revision      int      `xml:"revision"`
}

// parseLock decodes a lock document.
func parseLock(data []byte) (*SyncLockInfo, error) {
	var doc lockXML
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse lock: %w", err)
	}

	lock := &SyncLockInfo{
		TransactionID: doc.TransactionID,
		ClientID:      doc.ClientID,
		RenewCount:    doc.RenewCount,
		Revision:      doc.Revision,
	}
	if doc.Duration != "" {
		d, err := time.ParseDuration(doc.Duration)
		if err != nil {
			return nil, fmt.Errorf("parse lock duration: %w", err)
		}
		lock.Duration = d
	}
	return lock, nil
}

// marshal encodes the lock document.
func (l *SyncLockInfo) marshal() ([]byte, error) {
	doc := lockXML{
		TransactionID: l.TransactionID,
		ClientID:      l.ClientID,
		RenewCount:    l.RenewCount,
		Duration:      l.Duration.String(),
		Revision:      l.Revision,
	}

	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal lock: %w", err)
	}
	return append([]byte(xml.Header), append(data, '\n')...), nil
}
