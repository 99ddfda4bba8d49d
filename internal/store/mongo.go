package store

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"
)

type MongoStore struct {
	session  *mgo.Session
	database string
}

func NewMongoStore(session *mgo.Session, database string) *MongoStore {
	return &MongoStore{session: session, database: database}
}

func (s *MongoStore) Close() {
	s.session.Close()
}

// collection copies the root session so concurrent requests use their own
// socket. Callers must invoke the returned closer.
func (s *MongoStore) collection(ctx context.Context, name string) (*mgo.Collection, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, errors.Trace(err)
	}
	session := s.session.Copy()
	return session.DB(s.database).C(name), session.Close, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	session := s.session.Copy()
	defer session.Close()
	return errors.Annotate(session.Ping(), "ping mongo")
}

func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	indexes := map[string][]mgo.Index{
		collQueries: {
			{Key: []string{"queries.id"}},
			{Key: []string{"appNo"}},
			{Key: []string{"visibleTo", "updatedAt"}},
			{Key: []string{"updatedAt"}},
		},
		collMessages: {
			{Key: []string{"queryId", "timestamp"}},
		},
		collUsers: {
			{Key: []string{"email"}, Sparse: true},
		},
	}
	for name, specs := range indexes {
		coll, closer, err := s.collection(ctx, name)
		if err != nil {
			return err
		}
		for _, index := range specs {
			if err := coll.EnsureIndex(index); err != nil {
				closer()
				return errors.Annotatef(err, "ensure index %v on %s", index.Key, name)
			}
		}
		closer()
	}
	return nil
}

func (s *MongoStore) InsertQuery(ctx context.Context, record QueryRecord) error {
	coll, closer, err := s.collection(ctx, collQueries)
	if err != nil {
		return err
	}
	defer closer()
	if err := coll.Insert(record); err != nil {
		if mgo.IsDup(err) {
			return errors.AlreadyExistsf("query %q", record.ID)
		}
		return errors.Annotatef(err, "insert query %q", record.ID)
	}
	return nil
}

func (s *MongoStore) GetQuery(ctx context.Context, id string) (QueryRecord, error) {
	coll, closer, err := s.collection(ctx, collQueries)
	if err != nil {
		return QueryRecord{}, err
	}
	defer closer()
	var record QueryRecord
	if err := coll.FindId(id).One(&record); err == mgo.ErrNotFound {
		return QueryRecord{}, errors.NotFoundf("query %q", id)
	} else if err != nil {
		return QueryRecord{}, errors.Annotatef(err, "get query %q", id)
	}
	return record, nil
}

func (s *MongoStore) ListQueries(ctx context.Context, filter QueryFilter) ([]QueryRecord, error) {
	selector, ok := filter.selector()
	if !ok {
		return []QueryRecord{}, nil
	}
	coll, closer, err := s.collection(ctx, collQueries)
	if err != nil {
		return nil, err
	}
	defer closer()
	query := coll.Find(selector).Sort("-updatedAt")
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	records := []QueryRecord{}
	if err := query.All(&records); err != nil {
		return nil, errors.Annotate(err, "list queries")
	}
	return records, nil
}

func (s *MongoStore) CountQueries(ctx context.Context, filter QueryFilter) (int, error) {
	selector, ok := filter.selector()
	if !ok {
		return 0, nil
	}
	coll, closer, err := s.collection(ctx, collQueries)
	if err != nil {
		return 0, err
	}
	defer closer()
	count, err := coll.Find(selector).Count()
	return count, errors.Annotate(err, "count queries")
}

// SearchQueries matches text against application number, customer name and
// sub-query text inside filter's scope. It returns one page starting at offset
// and the total hit count.
func (s *MongoStore) SearchQueries(ctx context.Context, text string, filter QueryFilter, offset int) ([]QueryRecord, int, error) {
	records := []QueryRecord{}
	scope, ok := filter.selector()
	if !ok {
		return records, 0, nil
	}
	coll, closer, err := s.collection(ctx, collQueries)
	if err != nil {
		return nil, 0, err
	}
	defer closer()

	pattern := bson.RegEx{Pattern: regexp.QuoteMeta(strings.TrimSpace(text)), Options: "i"}
	query := coll.Find(bson.M{"$and": []bson.M{scope, {"$or": []bson.M{
		{"appNo": pattern},
		{"customerName": pattern},
		{"queries.text": pattern},
	}}}})
	total, err := query.Count()
	if err != nil {
		return nil, 0, errors.Annotate(err, "count search hits")
	}
	query = query.Sort("-updatedAt").Skip(offset)
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if err := query.All(&records); err != nil {
		return nil, 0, errors.Annotate(err, "search queries")
	}
	return records, total, nil
}

// UpdateSubQuery replaces one embedded sub-query by positional match and, in
// the same update, writes the record-level fields and pushes the remark.
func (s *MongoStore) UpdateSubQuery(ctx context.Context, queryID string, sub SubQuery, change RecordChange) (QueryRecord, error) {
	coll, closer, err := s.collection(ctx, collQueries)
	if err != nil {
		return QueryRecord{}, err
	}
	defer closer()

	set := bson.M{
		"queries.$": sub,
		"status":    change.Status,
		"updatedAt": change.UpdatedAt,
	}
	if change.AssignedToBranch != "" {
		set["assignedToBranch"] = change.AssignedToBranch
	}
	update := bson.M{"$set": set}
	if change.Remark != nil {
		update["$push"] = bson.M{"remarks": *change.Remark}
	}

	var record QueryRecord
	_, err = coll.Find(bson.M{"_id": queryID, "queries.id": sub.ID}).Apply(mgo.Change{
		Update:    update,
		ReturnNew: true,
	}, &record)
	if err == mgo.ErrNotFound {
		return QueryRecord{}, errors.NotFoundf("sub-query %q of query %q", sub.ID, queryID)
	}
	if err != nil {
		return QueryRecord{}, errors.Annotatef(err, "update sub-query %q", sub.ID)
	}
	return record, nil
}

func (s *MongoStore) SetVisibility(ctx context.Context, queryID, markedForTeam string, visibleTo []string, at time.Time) (QueryRecord, error) {
	return s.applyToQuery(ctx, queryID, bson.M{"$set": bson.M{
		"markedForTeam": markedForTeam,
		"visibleTo":     visibleTo,
		"updatedAt":     at,
	}})
}

func (s *MongoStore) PushRemark(ctx context.Context, queryID string, remark Remark) (QueryRecord, error) {
	return s.applyToQuery(ctx, queryID, bson.M{
		"$push": bson.M{"remarks": remark},
		"$set":  bson.M{"updatedAt": remark.Timestamp},
	})
}

func (s *MongoStore) EditRemark(ctx context.Context, queryID, remarkID, text string, at time.Time) (QueryRecord, error) {
	coll, closer, err := s.collection(ctx, collQueries)
	if err != nil {
		return QueryRecord{}, err
	}
	defer closer()
	var record QueryRecord
	_, err = coll.Find(bson.M{"_id": queryID, "remarks.id": remarkID}).Apply(mgo.Change{
		Update: bson.M{"$set": bson.M{
			"remarks.$.text":     text,
			"remarks.$.isEdited": true,
			"remarks.$.editedAt": at,
			"updatedAt":          at,
		}},
		ReturnNew: true,
	}, &record)
	if err == mgo.ErrNotFound {
		return QueryRecord{}, errors.NotFoundf("remark %q of query %q", remarkID, queryID)
	}
	return record, errors.Annotatef(err, "edit remark %q", remarkID)
}

func (s *MongoStore) DeleteRemark(ctx context.Context, queryID, remarkID string, at time.Time) (QueryRecord, error) {
	coll, closer, err := s.collection(ctx, collQueries)
	if err != nil {
		return QueryRecord{}, err
	}
	defer closer()
	var record QueryRecord
	_, err = coll.Find(bson.M{"_id": queryID, "remarks.id": remarkID}).Apply(mgo.Change{
		Update: bson.M{
			"$pull": bson.M{"remarks": bson.M{"id": remarkID}},
			"$set":  bson.M{"updatedAt": at},
		},
		ReturnNew: true,
	}, &record)
	if err == mgo.ErrNotFound {
		return QueryRecord{}, errors.NotFoundf("remark %q of query %q", remarkID, queryID)
	}
	return record, errors.Annotatef(err, "delete remark %q", remarkID)
}

func (s *MongoStore) applyToQuery(ctx context.Context, queryID string, update bson.M) (QueryRecord, error) {
	coll, closer, err := s.collection(ctx, collQueries)
	if err != nil {
		return QueryRecord{}, err
	}
	defer closer()
	var record QueryRecord
	_, err = coll.FindId(queryID).Apply(mgo.Change{Update: update, ReturnNew: true}, &record)
	if err == mgo.ErrNotFound {
		return QueryRecord{}, errors.NotFoundf("query %q", queryID)
	}
	if err != nil {
		return QueryRecord{}, errors.Annotatef(err, "update query %q", queryID)
	}
	return record, nil
}

func (s *MongoStore) ClearQueries(ctx context.Context) (int, error) {
	return s.removeAll(ctx, collQueries, nil)
}

func (s *MongoStore) InsertMessage(ctx context.Context, message ChatMessage) error {
	coll, closer, err := s.collection(ctx, collMessages)
	if err != nil {
		return err
	}
	defer closer()
	return errors.Annotatef(coll.Insert(message), "insert message for %q", message.QueryID)
}

// ListMessages returns the messages stored under exactly queryID, oldest first.
func (s *MongoStore) ListMessages(ctx context.Context, queryID string) ([]ChatMessage, error) {
	coll, closer, err := s.collection(ctx, collMessages)
	if err != nil {
		return nil, err
	}
	defer closer()
	messages := []ChatMessage{}
	err = coll.Find(bson.M{"queryId": queryID}).Sort("timestamp", "_id").All(&messages)
	return messages, errors.Annotatef(err, "list messages for %q", queryID)
}

// EachMessage streams every chat message ordered by query and time.
func (s *MongoStore) EachMessage(ctx context.Context, fn func(ChatMessage) error) error {
	coll, closer, err := s.collection(ctx, collMessages)
	if err != nil {
		return err
	}
	defer closer()
	iter := coll.Find(nil).Sort("queryId", "timestamp", "_id").Iter()
	var message ChatMessage
	for iter.Next(&message) {
		if err := ctx.Err(); err != nil {
			_ = iter.Close()
			return errors.Trace(err)
		}
		if err := fn(message); err != nil {
			_ = iter.Close()
			return errors.Trace(err)
		}
	}
	return errors.Annotate(iter.Close(), "iterate messages")
}

func (s *MongoStore) RemoveMessages(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return s.removeAll(ctx, collMessages, bson.M{"_id": bson.M{"$in": ids}})
}

// RelinkMessages moves messages stored under an old query id onto a new one.
func (s *MongoStore) RelinkMessages(ctx context.Context, fromID, toID string) (int, error) {
	coll, closer, err := s.collection(ctx, collMessages)
	if err != nil {
		return 0, err
	}
	defer closer()
	info, err := coll.UpdateAll(bson.M{"queryId": fromID}, bson.M{"$set": bson.M{"queryId": toID}})
	if err != nil {
		return 0, errors.Annotatef(err, "relink messages %q", fromID)
	}
	return info.Updated, nil
}

func (s *MongoStore) ClearMessages(ctx context.Context) (int, error) {
	return s.removeAll(ctx, collMessages, nil)
}

func (s *MongoStore) removeAll(ctx context.Context, name string, selector bson.M) (int, error) {
	coll, closer, err := s.collection(ctx, name)
	if err != nil {
		return 0, err
	}
	defer closer()
	info, err := coll.RemoveAll(selector)
	if err != nil {
		return 0, errors.Annotatef(err, "remove from %s", name)
	}
	return info.Removed, nil
}

func (f QueryFilter) selector() (bson.M, bool) {
	selector := bson.M{}
	if f.VisibleTo != "" {
		selector["visibleTo"] = f.VisibleTo
	}
	if f.Branches != nil {
		if len(f.Branches) == 0 {
			return nil, false
		}
		patterns := make([]interface{}, 0, len(f.Branches))
		for _, branch := range f.Branches {
			patterns = append(patterns, bson.RegEx{Pattern: "^" + regexp.QuoteMeta(branch) + "$", Options: "i"})
		}
		selector["$or"] = []bson.M{
			{"branch": bson.M{"$in": patterns}},
			{"branchCode": bson.M{"$in": patterns}},
			{"assignedToBranch": bson.M{"$in": patterns}},
		}
	}
	if len(f.Statuses) > 0 {
		selector["status"] = bson.M{"$in": f.Statuses}
	}
	if f.AppNo != "" {
		selector["appNo"] = f.AppNo
	}
	if f.Since != nil {
		selector["updatedAt"] = bson.M{"$gt": *f.Since}
	}
	return selector, true
}
