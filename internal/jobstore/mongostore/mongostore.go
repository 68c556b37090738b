// Package mongostore persists render jobs in MongoDB.
package mongostore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"cre8/internal/models"
	"cre8/internal/pkg/errors"
	"cre8/internal/pkg/logger"
	"cre8/internal/ports"
)

type Config struct {
	URI              string
	Database         string
	JobsCollection   string
	EventsCollection string
	Timeout          time.Duration
}

type Store struct {
	client *mongo.Client
	jobs   *mongo.Collection
	events *mongo.Collection
	log    *logger.Logger
	now    func() time.Time
}

var _ ports.JobStore = (*Store)(nil)

// Connect dials MongoDB, verifies the connection and ensures indexes.
func Connect(ctx context.Context, cfg Config, log *logger.Logger) (*Store, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetTimeout(cfg.Timeout).
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errors.StoreUnavailable("mongostore.connect", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.StoreUnavailable("mongostore.connect", err)
	}

	s := New(client.Database(cfg.Database), cfg, log)
	s.client = client
	return s, nil
}

// New wraps an existing database handle. Index creation failures are logged,
// not returned; FetchEligible falls back to a scan without the index.
func New(db *mongo.Database, cfg Config, log *logger.Logger) *Store {
	if cfg.JobsCollection == "" {
		cfg.JobsCollection = "jobs"
	}
	if cfg.EventsCollection == "" {
		cfg.EventsCollection = "job_events"
	}

	s := &Store{
		jobs:   db.Collection(cfg.JobsCollection),
		events: db.Collection(cfg.EventsCollection),
		log:    log.WithComponent("mongostore"),
		now:    time.Now,
	}
	s.ensureIndexes()
	return s
}

func (s *Store) ensureIndexes() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := s.jobs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    eligibleIndexKeys(),
		Options: options.Index().SetName("status_claimed_created_at"),
	})
	if err != nil {
		s.log.Warn("failed to create eligible-jobs index", "error", err.Error())
	}

	_, err = s.events.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "job_id", Value: 1}, {Key: "created_at", Value: 1}},
		Options: options.Index().SetName("job_id_created_at"),
	})
	if err != nil {
		s.log.Warn("failed to create job events index", "error", err.Error())
	}
}

func (s *Store) FetchEligible(ctx context.Context, q ports.Query) ([]*models.Job, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	cursor, err := s.jobs.Find(ctx, eligibleFilter(q), opts)
	if err != nil {
		if isPlannerError(err) {
			s.log.Warn("eligible query rejected by planner, scanning collection",
				"status", string(q.Status), "error", err.Error())
			return s.scanEligible(ctx, q)
		}
		return nil, mapErr("mongostore.fetch_eligible", err)
	}
	defer cursor.Close(ctx)

	return s.decodeJobs(ctx, cursor, q.Status, "mongostore.fetch_eligible")
}

// scanEligible reads every job and filters client side. O(n) in collection size.
func (s *Store) scanEligible(ctx context.Context, q ports.Query) ([]*models.Job, error) {
	cursor, err := s.jobs.Find(ctx, bson.D{})
	if err != nil {
		return nil, mapErr("mongostore.scan_eligible", err)
	}
	defer cursor.Close(ctx)

	all, err := s.decodeJobs(ctx, cursor, "", "mongostore.scan_eligible")
	if err != nil {
		return nil, err
	}
	return filterEligible(all, q), nil
}

// decodeJobs decodes one document at a time so a malformed job cannot hide
// the rest of the batch. Documents that fail to decode or validate are
// moved out of status (when set) to failed, so they stop taking batch slots.
func (s *Store) decodeJobs(ctx context.Context, cursor *mongo.Cursor, status models.Status, op string) ([]*models.Job, error) {
	var jobs []*models.Job
	for cursor.Next(ctx) {
		var job models.Job
		err := cursor.Decode(&job)
		if err == nil {
			err = job.Validate()
		}
		if err != nil {
			s.quarantine(ctx, cursor.Current, status, err)
			continue
		}
		jobs = append(jobs, &job)
	}
	if err := cursor.Err(); err != nil {
		return nil, mapErr(op, err)
	}
	return jobs, nil
}

func (s *Store) quarantine(ctx context.Context, doc bson.Raw, status models.Status, cause error) {
	idVal, err := doc.LookupErr("_id")
	if err != nil {
		s.log.Error("skipping job document without _id", "error", cause.Error())
		return
	}
	log := s.log.WithJobID(rawIDString(idVal))
	if status == "" {
		log.Warn("skipping malformed job document", "error", cause.Error())
		return
	}

	res, err := s.jobs.UpdateOne(ctx, quarantineFilter(idVal, status), quarantineUpdate(cause, s.now()))
	if err != nil {
		log.Error("failed to quarantine malformed job", "error", err.Error(), "cause", cause.Error())
		return
	}
	if res.ModifiedCount > 0 {
		log.Error("malformed job document marked failed", "error", cause.Error())
	}
}

func (s *Store) Claim(ctx context.Context, id string) (*models.Job, error) {
	res := s.jobs.FindOneAndUpdate(ctx,
		claimFilter(id),
		claimUpdate(s.now()),
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	)

	var job models.Job
	if err := res.Decode(&job); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, s.missOrConflict(ctx, "mongostore.claim", id, "job is no longer claimable")
		}
		return nil, mapErr("mongostore.claim", err)
	}
	return &job, nil
}

func (s *Store) Update(ctx context.Context, id string, u ports.Update) error {
	update, err := buildUpdate(u, s.now())
	if err != nil {
		return err
	}

	res, err := s.jobs.UpdateOne(ctx, guardFilter(id, u.IfStatus), update)
	if err != nil {
		return mapErr("mongostore.update", err)
	}
	if res.MatchedCount == 0 {
		return s.missOrConflict(ctx, "mongostore.update", id,
			fmt.Sprintf("job is not %s", u.IfStatus))
	}
	return nil
}

// missOrConflict tells a missing job from a lost conditional write.
func (s *Store) missOrConflict(ctx context.Context, op, id, msg string) error {
	n, err := s.jobs.CountDocuments(ctx, idFilter(id), options.Count().SetLimit(1))
	if err != nil {
		return mapErr(op, err)
	}
	if n == 0 {
		return errors.NotFound("job", id)
	}
	return errors.Conflict(msg).WithField("job_id", id)
}

func (s *Store) AppendEvent(ctx context.Context, id string, ev models.Event) error {
	ev.ID = uuid.NewString()
	ev.JobID = id
	ev.CreatedAt = s.now().UTC()

	if _, err := s.events.InsertOne(ctx, ev); err != nil {
		return mapErr("mongostore.append_event", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, job *models.Job) (string, error) {
	if job == nil {
		return "", errors.Validation("job is required")
	}

	j := job.Clone()
	now := s.now().UTC()
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	if j.Metadata == nil {
		j.Metadata = map[string]any{}
	}
	if err := j.Validate(); err != nil {
		return "", err
	}

	if _, err := s.jobs.InsertOne(ctx, j); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return "", errors.Conflict("job already exists").WithField("job_id", j.ID)
		}
		return "", mapErr("mongostore.create", err)
	}
	return j.ID, nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	err := s.jobs.FindOne(ctx, idFilter(id)).Decode(&job)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, errors.NotFound("job", id)
		}
		return nil, mapErr("mongostore.get", err)
	}
	return &job, nil
}

func (s *Store) List(ctx context.Context, q ports.ListQuery) ([]*models.Job, error) {
	filter := bson.D{}
	if q.Status != "" {
		filter = append(filter, bson.E{Key: "status", Value: string(q.Status)})
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	cursor, err := s.jobs.Find(ctx, filter, opts)
	if err != nil {
		return nil, mapErr("mongostore.list", err)
	}
	defer cursor.Close(ctx)

	jobs, err := s.decodeJobs(ctx, cursor, "", "mongostore.list")
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	return jobs, nil
}

func (s *Store) Events(ctx context.Context, id string) ([]models.Event, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	cursor, err := s.events.Find(ctx,
		bson.D{{Key: "job_id", Value: id}},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}),
	)
	if err != nil {
		return nil, mapErr("mongostore.events", err)
	}
	defer cursor.Close(ctx)

	events := []models.Event{}
	if err := cursor.All(ctx, &events); err != nil {
		return nil, mapErr("mongostore.events", err)
	}
	return events, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.jobs.Database().Client().Ping(ctx, nil); err != nil {
		return errors.StoreUnavailable("mongostore.ping", err)
	}
	return nil
}

// Close disconnects the client when Connect created it.
func (s *Store) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

// mapErr classifies driver errors. Duplicate keys are conflicts, everything
// else is treated as the store being unavailable.
func mapErr(op string, err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return errors.WrapWithCode(err, errors.CodeConflict, op, "duplicate key")
	}
	return errors.StoreUnavailable(op, err)
}
