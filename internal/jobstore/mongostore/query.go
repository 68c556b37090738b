package mongostore

import (
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"cre8/internal/models"
	"cre8/internal/pkg/errors"
	"cre8/internal/ports"
)

func eligibleIndexKeys() bson.D {
	return bson.D{
		{Key: "status", Value: 1},
		{Key: "claimed", Value: 1},
		{Key: "created_at", Value: 1},
	}
}

// claimedMatch treats a missing claimed field as false.
func claimedMatch(claimed bool) any {
	if claimed {
		return true
	}
	return bson.D{{Key: "$ne", Value: true}}
}

func eligibleFilter(q ports.Query) bson.D {
	f := bson.D{
		{Key: "status", Value: string(q.Status)},
		{Key: "claimed", Value: claimedMatch(q.Claimed)},
	}
	if !q.DueBy.IsZero() {
		// $not also matches documents without the field. Timestamps are
		// fixed-width RFC3339 UTC strings, so string order is time order.
		f = append(f, bson.E{
			Key:   models.MetaPath(models.MetaNextAttemptAt),
			Value: bson.D{{Key: "$not", Value: bson.D{{Key: "$gt", Value: models.FormatTime(q.DueBy)}}}},
		})
	}
	return f
}

// idMatch matches a job id in either form it may be stored in. Jobs
// inserted by other tools without an _id get an ObjectId, which decodes
// into Job.ID as its hex string.
func idMatch(id string) any {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return id
	}
	return bson.D{{Key: "$in", Value: bson.A{oid, id}}}
}

func idFilter(id string) bson.D {
	return bson.D{{Key: "_id", Value: idMatch(id)}}
}

func claimFilter(id string) bson.D {
	return bson.D{
		{Key: "_id", Value: idMatch(id)},
		{Key: "status", Value: string(models.StatusPending)},
		{Key: "claimed", Value: claimedMatch(false)},
	}
}

func claimUpdate(now time.Time) bson.D {
	return bson.D{{Key: "$set", Value: bson.D{
		{Key: "claimed", Value: true},
		{Key: "status", Value: string(models.StatusProcessing)},
		{Key: "updated_at", Value: now.UTC()},
	}}}
}

func guardFilter(id string, ifStatus models.Status) bson.D {
	f := idFilter(id)
	if ifStatus != "" {
		f = append(f, bson.E{Key: "status", Value: string(ifStatus)})
	}
	return f
}

func quarantineFilter(id bson.RawValue, status models.Status) bson.D {
	return bson.D{
		{Key: "_id", Value: id},
		{Key: "status", Value: string(status)},
	}
}

func quarantineUpdate(cause error, now time.Time) bson.D {
	msg := "invalid job document: " + cause.Error()
	if len(msg) > 2000 {
		msg = msg[:2000]
	}
	return bson.D{{Key: "$set", Value: bson.D{
		{Key: "status", Value: string(models.StatusFailed)},
		{Key: "claimed", Value: false},
		{Key: models.MetaPath(models.MetaError), Value: msg},
		{Key: models.MetaPath(models.MetaFinishedAt), Value: models.FormatTime(now)},
		{Key: "updated_at", Value: now.UTC()},
	}}}
}

func rawIDString(v bson.RawValue) string {
	if oid, ok := v.ObjectIDOK(); ok {
		return oid.Hex()
	}
	if str, ok := v.StringValueOK(); ok {
		return str
	}
	return v.String()
}

// buildUpdate turns an Update into $set/$inc with dotted metadata paths, so
// sibling metadata keys are left alone. updated_at is always set.
func buildUpdate(u ports.Update, now time.Time) (bson.D, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}

	set := bson.D{}
	for _, path := range sortedKeys(u.Set) {
		val, err := ports.NormalizeValue(path, u.Set[path])
		if err != nil {
			return nil, err
		}
		set = append(set, bson.E{Key: path, Value: val})
	}
	set = append(set, bson.E{Key: "updated_at", Value: now.UTC()})

	update := bson.D{{Key: "$set", Value: set}}
	if len(u.Inc) > 0 {
		inc := bson.D{}
		for _, path := range sortedKeys(u.Inc) {
			inc = append(inc, bson.E{Key: path, Value: u.Inc[path]})
		}
		update = append(update, bson.E{Key: "$inc", Value: inc})
	}
	return update, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// filterEligible is the client-side version of eligibleFilter plus sort and limit.
func filterEligible(all []*models.Job, q ports.Query) []*models.Job {
	var out []*models.Job
	for _, j := range all {
		if q.Matches(j) {
			out = append(out, j)
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// Server codes for queries the planner cannot serve.
var plannerCodes = []int{
	2,   // BadValue (hint to a missing index)
	27,  // IndexNotFound
	175, // QueryPlanKilled
	291, // NoQueryExecutionPlans
}

func isPlannerError(err error) bool {
	var cmdErr mongo.CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}
	for _, code := range plannerCodes {
		if cmdErr.HasErrorCode(code) {
			return true
		}
	}
	return strings.Contains(strings.ToLower(cmdErr.Message), "planner")
}
