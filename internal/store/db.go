package store

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3"
)

// Dial connects to MongoDB and ensures the indexes every collection relies on.
func Dial(ctx context.Context, mongoURL, database string) (*MongoStore, error) {
	info, err := mgo.ParseURL(mongoURL)
	if err != nil {
		return nil, errors.Annotate(err, "parse mongo url")
	}
	info.Timeout = 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		info.Timeout = time.Until(deadline)
	}
	if database == "" {
		database = info.Database
	}

	session, err := mgo.DialWithInfo(info)
	if err != nil {
		return nil, errors.Annotate(err, "dial mongo")
	}
	session.SetMode(mgo.Monotonic, true)
	session.SetSocketTimeout(30 * time.Second)

	store := NewMongoStore(session, database)
	if err := store.EnsureIndexes(ctx); err != nil {
		session.Close()
		return nil, errors.Trace(err)
	}
	return store, nil
}
