package persistence

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/stepflow/pkg/api"
)

// MongoRunStore is a RunStore backed by a MongoDB collection.
type MongoRunStore struct {
	coll *mongo.Collection
}

var _ RunStore = (*MongoRunStore)(nil)

// NewMongoRunStore creates a Mongo-backed run store. dbName defaults to
// "stepflow" and collName to "workflow_runs".
func NewMongoRunStore(client *mongo.Client, dbName, collName string) *MongoRunStore {
	if dbName == "" {
		dbName = "stepflow"
	}
	if collName == "" {
		collName = "workflow_runs"
	}
	return &MongoRunStore{coll: client.Database(dbName).Collection(collName)}
}

type mongoRunDoc struct {
	ID             string     `bson:"_id"`
	WorkflowID     string     `bson:"workflow_id"`
	OrganizationID string     `bson:"organization_id,omitempty"`
	Status         string     `bson:"status"`
	StartedAt      time.Time  `bson:"started_at"`
	CompletedAt    *time.Time `bson:"completed_at,omitempty"`
	DurationNs     int64      `bson:"duration_ns"`
	Output         []byte     `bson:"output,omitempty"`
	Error          string     `bson:"error,omitempty"`
	ErrorStep      string     `bson:"error_step,omitempty"`
	TriggerType    string     `bson:"trigger_type"`
	TriggerData    []byte     `bson:"trigger_data,omitempty"`
}

func (d mongoRunDoc) toRun() (*api.WorkflowRun, error) {
	run := &api.WorkflowRun{
		ID:             d.ID,
		WorkflowID:     d.WorkflowID,
		OrganizationID: d.OrganizationID,
		Status:         api.RunStatus(d.Status),
		StartedAt:      d.StartedAt.UTC(),
		Duration:       time.Duration(d.DurationNs),
		Error:          d.Error,
		ErrorStep:      d.ErrorStep,
		TriggerType:    api.TriggerType(d.TriggerType),
	}
	if d.CompletedAt != nil {
		t := d.CompletedAt.UTC()
		run.CompletedAt = &t
	}
	var err error
	if run.Output, err = DecodeValue(d.Output); err != nil {
		return nil, err
	}
	if run.TriggerData, err = DecodeValue(d.TriggerData); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *MongoRunStore) CreateRun(ctx context.Context, run *api.WorkflowRun) error {
	output, err := EncodeValue(run.Output)
	if err != nil {
		return err
	}
	trigger, err := EncodeValue(run.TriggerData)
	if err != nil {
		return err
	}
	_, err = s.coll.InsertOne(ctx, mongoRunDoc{
		ID:             run.ID,
		WorkflowID:     run.WorkflowID,
		OrganizationID: run.OrganizationID,
		Status:         string(run.Status),
		StartedAt:      run.StartedAt,
		CompletedAt:    run.CompletedAt,
		DurationNs:     int64(run.Duration),
		Output:         output,
		Error:          run.Error,
		ErrorStep:      run.ErrorStep,
		TriggerType:    string(run.TriggerType),
		TriggerData:    trigger,
	})
	return err
}

func (s *MongoRunStore) FinalizeRun(ctx context.Context, runID string, res api.RunResult) error {
	output, err := EncodeValue(res.Output)
	if err != nil {
		return err
	}
	update := bson.M{
		"$set": bson.M{
			"status":       string(res.Status),
			"completed_at": res.CompletedAt,
			"duration_ns":  int64(res.Duration),
			"output":       output,
			"error":        res.Error,
			"error_step":   res.ErrorStep,
		},
	}
	out, err := s.coll.UpdateOne(ctx, bson.M{"_id": runID, "status": string(api.RunRunning)}, update)
	if err != nil {
		return err
	}
	if out.MatchedCount > 0 {
		return nil
	}
	if _, err := s.GetRun(ctx, runID); err != nil {
		return err
	}
	return ErrRunFinalized
}

func (s *MongoRunStore) GetRun(ctx context.Context, id string) (*api.WorkflowRun, error) {
	var doc mongoRunDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.toRun()
}

func (s *MongoRunStore) ListRuns(ctx context.Context, filter RunFilter) ([]*api.WorkflowRun, error) {
	q := bson.M{}
	if filter.WorkflowID != "" {
		q["workflow_id"] = filter.WorkflowID
	}
	if filter.Status != "" {
		q["status"] = string(filter.Status)
	}
	if !filter.StartedBefore.IsZero() {
		q["started_at"] = bson.M{"$lt": filter.StartedBefore}
	}

	opts := options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}, {Key: "_id", Value: -1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	cur, err := s.coll.Find(ctx, q, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*api.WorkflowRun
	for cur.Next(ctx) {
		var doc mongoRunDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		run, err := doc.toRun()
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, cur.Err()
}
