package trace

import (
	"fmt"
	"sort"
	"strings"
)

// Summarize returns a one-line human readable description of an event
func Summarize(ev Event) string {
	switch e := ev.(type) {
	case Query:
		s := fmt.Sprintf("%s (%.2fms, %s)", e.SQL, e.Time, e.Connection)
		if e.Error != "" {
			s += " error: " + e.Error
		}
		return s
	case TransactionBegin:
		return "BEGIN on " + e.Connection
	case TransactionCommit:
		return "COMMIT on " + e.Connection
	case TransactionRollback:
		return "ROLLBACK on " + e.Connection
	case CacheHit:
		return fmt.Sprintf("hit %s (%d bytes, %s)", e.Key, e.ValueSize, e.Store)
	case CacheMiss:
		return fmt.Sprintf("miss %s (%s)", e.Key, e.Store)
	case CacheWrite:
		return fmt.Sprintf("write %s (%d bytes, %s)", e.Key, e.ValueSize, e.Store)
	case CacheForget:
		return fmt.Sprintf("forget %s (%s)", e.Key, e.Store)
	case HTTPRequestSending:
		return fmt.Sprintf("-> %s %s", e.Method, e.URL)
	case HTTPResponseReceived:
		return fmt.Sprintf("<- %d %s %s (%d bytes, %.3fs)", e.Status, e.Method, e.URL, e.ResponseSize, e.Duration)
	case HTTPConnectionFailed:
		return fmt.Sprintf("!! %s %s: %s", e.Method, e.URL, e.Error)
	case JobProcessing:
		return fmt.Sprintf("processing %s on %s (attempt %d)", e.JobName, e.Queue, e.Attempts)
	case JobProcessed:
		return fmt.Sprintf("processed %s on %s (%.3fs)", e.JobName, e.Queue, e.Duration)
	case JobFailed:
		return fmt.Sprintf("failed %s on %s: %s", e.JobName, e.Queue, firstLine(e.Exception))
	case MailSent:
		return fmt.Sprintf("mail %q to %s via %s", e.Subject, strings.Join(e.To, ", "), e.Mailer)
	case NotificationSent:
		return fmt.Sprintf("%s via %s to %s", e.Notification, e.Channel, e.Notifiable)
	case FileOperation:
		return fmt.Sprintf("%s %s:%s (%d bytes)", e.Operation, e.Disk, e.Path, e.Size)
	case Custom:
		return e.Name
	case Unknown:
		keys := make([]string, 0, len(e.Record))
		for k := range e.Record {
			if k == "type" || k == "timestamp" {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return fmt.Sprintf("%s [%s]", e.EventType(), strings.Join(keys, " "))
	default:
		panic(fmt.Sprintf("unhandled event type %T", ev))
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
