package pgstore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"cre8/internal/models"
	"cre8/internal/pkg/errors"
	"cre8/internal/ports"
)

// buildUpdate renders an Update as a single UPDATE statement. Metadata paths
// are folded into nested jsonb_set calls so sibling keys survive; keys travel
// as text[] parameters, never as SQL text.
func buildUpdate(id string, u ports.Update, now time.Time) (string, []any, error) {
	if err := u.Validate(); err != nil {
		return "", nil, err
	}

	args := []any{id}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var sets []string
	metaExpr := "metadata"
	metaTouched := false

	for _, path := range sortedKeys(u.Set) {
		if key, ok := ports.MetaKey(path); ok {
			raw, err := json.Marshal(u.Set[path])
			if err != nil {
				return "", nil, errors.ValidationField(path, "value is not JSON encodable")
			}
			metaExpr = fmt.Sprintf("jsonb_set(%s, %s::text[], %s::jsonb, true)",
				metaExpr, next([]string{key}), next(string(raw)))
			metaTouched = true
			continue
		}
		val, err := ports.NormalizeValue(path, u.Set[path])
		if err != nil {
			return "", nil, err
		}
		sets = append(sets, fmt.Sprintf("%s = %s", path, next(val)))
	}

	for _, path := range sortedKeys(u.Inc) {
		key, _ := ports.MetaKey(path)
		keyArg := next(key)
		metaExpr = fmt.Sprintf(
			"jsonb_set(%s, ARRAY[%s::text], to_jsonb(COALESCE((metadata->>%s::text)::numeric, 0) + %s), true)",
			metaExpr, keyArg, keyArg, next(u.Inc[path]))
		metaTouched = true
	}

	if metaTouched {
		sets = append(sets, "metadata = "+metaExpr)
	}
	sets = append(sets, "updated_at = "+next(now.UTC()))

	where := "id = $1"
	if u.IfStatus != "" {
		where += " AND status = " + next(string(u.IfStatus))
	}

	sql := "UPDATE render_jobs SET " + strings.Join(sets, ", ") + " WHERE " + where
	return sql, args, nil
}

// eligibleQuery selects pending or rendering jobs, oldest first. Retry times
// are fixed-width RFC3339 UTC text, compared bytewise.
func eligibleQuery(q ports.Query) (string, []any) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	args := []any{string(q.Status), q.Claimed}
	where := "status = $1 AND claimed = $2"
	if !q.DueBy.IsZero() {
		args = append(args, models.FormatTime(q.DueBy))
		where += fmt.Sprintf(` AND COALESCE(metadata->>'%s', '') <= $%d COLLATE "C"`, models.MetaNextAttemptAt, len(args))
	}
	args = append(args, limit)
	sql := "SELECT " + jobColumns + " FROM render_jobs WHERE " + where +
		fmt.Sprintf(" ORDER BY created_at ASC LIMIT $%d", len(args))
	return sql, args
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
