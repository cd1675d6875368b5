package engine

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
)

const systemActorPrefix = "system:"

func isSystemActor(actor string) bool {
	return strings.HasPrefix(actor, systemActorPrefix)
}

// AuditSink receives audit entries after the transaction that wrote them has
// committed. Delivery is best-effort: the DB row is the record of truth.
type AuditSink interface {
	Emit(entry AuditEntry) error
}

type nopAuditSink struct{}

func (nopAuditSink) Emit(AuditEntry) error { return nil }

// SyslogAuditSink forwards audit entries as RFC5424 lines over TCP, with the
// entry's identifying fields in structured data so a log pipeline can index
// them as labels.
type SyslogAuditSink struct {
	addr    string
	appName string
	service string
	timeout time.Duration
}

func NewSyslogAuditSink(addr string, service string, timeout time.Duration) *SyslogAuditSink {
	if service == "" {
		service = "signpost-index"
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &SyslogAuditSink{addr: addr, appName: "signpost-index", service: service, timeout: timeout}
}

func (c *SyslogAuditSink) Emit(entry AuditEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	structured := buildStructuredData("audit", map[string]string{
		"service":    c.service,
		"subject":    entry.Subject,
		"subject_id": entry.SubjectID,
		"action":     entry.Action,
		"actor":      entry.Actor,
		"from":       entry.FromStatus,
		"to":         entry.ToStatus,
	})
	return c.send(structured, string(payload))
}

func (c *SyslogAuditSink) send(structuredData string, message string) error {
	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	host, _ := os.Hostname()
	pri := 110 // log_audit(13).info
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	line := fmt.Sprintf("<%d>1 %s %s %s - - %s %s\n", pri, ts, sanitizeSyslogToken(host), sanitizeSyslogToken(c.appName), structuredData, strings.TrimSpace(message))

	w := bufio.NewWriter(conn)
	if _, err := w.WriteString(line); err != nil {
		return err
	}
	return w.Flush()
}

func sanitizeSyslogToken(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "-"
	}
	return strings.ReplaceAll(s, " ", "_")
}

func buildStructuredData(sdID string, kv map[string]string) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(sdID)
	preferredOrder := []string{"service", "subject", "subject_id", "action", "actor", "from", "to"}
	seen := make(map[string]struct{}, len(kv))
	write := func(k, v string) {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=\"")
		b.WriteString(escapeSDParam(v))
		b.WriteString("\"")
	}
	for _, k := range preferredOrder {
		v, ok := kv[k]
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		seen[k] = struct{}{}
		write(k, v)
	}
	extraKeys := make([]string, 0, len(kv))
	for k, v := range kv {
		if _, ok := seen[k]; ok || strings.TrimSpace(v) == "" {
			continue
		}
		extraKeys = append(extraKeys, k)
	}
	sort.Strings(extraKeys)
	for _, k := range extraKeys {
		write(k, kv[k])
	}
	b.WriteString("]")
	return b.String()
}

func escapeSDParam(v string) string {
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	v = strings.ReplaceAll(v, "]", "\\]")
	v = strings.ReplaceAll(v, "\n", " ")
	v = strings.ReplaceAll(v, "\r", " ")
	return v
}

func writeAudit(tx *gorm.DB, entry *AuditEntry) error {
	if err := tx.Create(entry).Error; err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}

func linkAudit(id uint, action string, actor string, from, to ReviewStatus, reason string, at time.Time) AuditEntry {
	return AuditEntry{
		Subject:    "link",
		SubjectID:  strconv.FormatUint(uint64(id), 10),
		Action:     action,
		Actor:      actor,
		FromStatus: string(from),
		ToStatus:   string(to),
		Reason:     reason,
		At:         at,
	}
}
