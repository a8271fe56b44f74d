// Package features turns log records into fixed-length numeric vectors for
// the outlier model.
package features

import (
	"strings"

	"sentinel/internal/schema"
)

// Dimension is the length of every feature vector.
const Dimension = 10

// Names lists the features in vector order.
var Names = [Dimension]string{
	"hour",
	"weekday",
	"is_error",
	"is_warning",
	"security_terms",
	"auth_terms",
	"network_terms",
	"database_terms",
	"file_terms",
	"admin_terms",
}

// keyword groups in vector order, starting at index 4.
var keywordGroups = [...][]string{
	{"security", "secure", "attack", "threat", "vulnerability"},
	{"login", "password", "credential", "auth", "user"},
	{"network", "connection", "ip", "tcp", "udp", "dns", "http"},
	{"database", "sql", "query", "table", "record"},
	{"file", "directory", "folder", "path", "read", "write"},
	{"admin", "root", "sudo", "permission", "privilege"},
}

// Extract returns one vector per record. It has no side effects.
func Extract(records []schema.LogRecord) [][]float64 {
	out := make([][]float64, len(records))
	for i := range records {
		out[i] = Vector(&records[i])
	}
	return out
}

// Vector computes the feature vector of a single record. Hour and weekday
// are taken in the record's own location; weekday counts Monday as 0.
func Vector(rec *schema.LogRecord) []float64 {
	v := make([]float64, Dimension)
	v[0] = float64(rec.Timestamp.Hour())
	v[1] = float64((int(rec.Timestamp.Weekday()) + 6) % 7)
	v[2] = flag(rec.Level == schema.LevelError)
	v[3] = flag(rec.Level == schema.LevelWarning)

	msg := strings.ToLower(rec.Message)
	for i, group := range keywordGroups {
		v[4+i] = flag(containsAny(msg, group))
	}
	return v
}

func containsAny(s string, terms []string) bool {
	for _, term := range terms {
		if strings.Contains(s, term) {
			return true
		}
	}
	return false
}

func flag(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
