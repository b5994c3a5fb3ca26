// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore stores each hierarchical collection path as one MongoDB
// collection, documents keyed by _id.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongoStore connects to uri and pings the server.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	if uri == "" {
		return nil, errors.New("mongo uri is empty")
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &MongoStore{client: client, db: client.Database(database)}, nil
}

// Commit applies writes with one unordered bulk write. OpUpdate documents
// that match nothing fail the commit with ErrNotFound.
func (m *MongoStore) Commit(ctx context.Context, collection string, writes []Write) error {
	if len(writes) == 0 {
		return nil
	}
	coll := m.db.Collection(CollectionName(collection))

	models := make([]mongo.WriteModel, 0, len(writes))
	matchable := 0
	for _, w := range writes {
		filter := bson.M{"_id": w.ID}
		switch w.Op {
		case OpSet:
			models = append(models, mongo.NewReplaceOneModel().
				SetFilter(filter).
				SetReplacement(toBSON(w.Doc)).
				SetUpsert(true))
		case OpUpdate:
			matchable++
			models = append(models, mongo.NewUpdateOneModel().
				SetFilter(filter).
				SetUpdate(bson.M{"$set": toBSON(w.Doc)}))
		case OpDelete:
			models = append(models, mongo.NewDeleteOneModel().SetFilter(filter))
		default:
			return fmt.Errorf("unknown op %q", w.Op)
		}
	}

	res, err := coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return classifyMongoError(err)
	}
	// Every replacement either matches or upserts, so any shortfall is an
	// update that found no document.
	want := int64(len(writes) - countOp(writes, OpDelete))
	if got := res.MatchedCount + res.UpsertedCount; matchable > 0 && got < want {
		return fmt.Errorf("%s: %d of %d updates unmatched: %w", collection, want-got, matchable, ErrNotFound)
	}
	return nil
}

// IDs lists up to limit document ids.
func (m *MongoStore) IDs(ctx context.Context, collection string, limit int) ([]string, error) {
	opts := options.Find().SetProjection(bson.M{"_id": 1})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := m.db.Collection(CollectionName(collection)).Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, classifyMongoError(err)
	}
	var rows []struct {
		ID any `bson:"_id"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, classifyMongoError(err)
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, fmt.Sprint(r.ID))
	}
	return ids, nil
}

func (m *MongoStore) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func toBSON(doc Document) bson.M {
	out := make(bson.M, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

func countOp(writes []Write, op Op) int {
	n := 0
	for _, w := range writes {
		if w.Op == op {
			n++
		}
	}
	return n
}

// classifyMongoError maps transient driver failures onto ErrUnavailable so
// the uploader retries them.
func classifyMongoError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), mongo.IsTimeout(err):
		return fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	case mongo.IsNetworkError(err):
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) && (cmdErr.HasErrorLabel("TransientTransactionError") || cmdErr.HasErrorLabel("RetryableWriteError")) {
		return fmt.Errorf("%w: %w", ErrAborted, err)
	}
	return err
}
