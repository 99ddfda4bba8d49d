package store

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"

	"loanops/api/internal/util"
	"loanops/api/internal/workflow"
)

type LegacyReport struct {
	Scanned            int `json:"scanned"`
	VisibilityRebuilt  int `json:"visibilityRebuilt"`
	StatusesNormalized int `json:"statusesNormalized"`
	IDsReassigned      int `json:"idsReassigned"`
	MessagesRelinked   int `json:"messagesRelinked"`
}

// MigrateLegacyQueries rewrites documents created before visibleTo, the
// current status names and canonical ids existed. With dryRun set nothing is
// written and the report counts what would change.
func (s *MongoStore) MigrateLegacyQueries(ctx context.Context, dryRun bool) (LegacyReport, error) {
	coll, closer, err := s.collection(ctx, collQueries)
	if err != nil {
		return LegacyReport{}, err
	}
	defer closer()

	var docs []bson.M
	if err := coll.Find(nil).All(&docs); err != nil {
		return LegacyReport{}, errors.Annotate(err, "load queries")
	}

	var report LegacyReport
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return report, errors.Trace(err)
		}
		report.Scanned++
		oldID := fmt.Sprint(doc["_id"])
		set := bson.M{}

		if _, ok := doc["visibleTo"]; !ok {
			set["visibleTo"] = workflow.LegacyVisibleTo(legacyFlags(doc))
			report.VisibilityRebuilt++
		}

		changed := false
		if subs, ok := doc["queries"].([]interface{}); ok {
			for i, raw := range subs {
				sub, ok := raw.(bson.M)
				if !ok {
					continue
				}
				if status, legacy := workflow.NormalizeStatus(stringField(sub, "status")); legacy {
					set[fmt.Sprintf("queries.%d.status", i)] = string(status)
					changed = true
				}
				if stringField(sub, "id") == "" || !util.IsCanonicalID(util.PrefixSubQuery, stringField(sub, "id")) {
					set[fmt.Sprintf("queries.%d.id", i)] = util.NewID(util.PrefixSubQuery)
					changed = true
				}
			}
		}
		if status, legacy := workflow.NormalizeStatus(stringField(doc, "status")); legacy {
			set["status"] = string(status)
			changed = true
		}
		if changed {
			report.StatusesNormalized++
		}

		canonical := util.IsCanonicalID(util.PrefixQuery, oldID)
		if !canonical {
			report.IDsReassigned++
		}
		if dryRun || (len(set) == 0 && canonical) {
			continue
		}
		if len(set) > 0 {
			set["updatedAt"] = time.Now().UTC()
			if err := coll.UpdateId(doc["_id"], bson.M{"$set": set}); err != nil {
				return report, errors.Annotatef(err, "migrate query %q", oldID)
			}
		}
		if canonical {
			continue
		}

		var current bson.M
		if err := coll.FindId(doc["_id"]).One(&current); err != nil {
			return report, errors.Annotatef(err, "reload query %q", oldID)
		}
		newID := util.NewID(util.PrefixQuery)
		current["_id"] = newID
		delete(current, "id")
		if err := coll.Insert(current); err != nil {
			return report, errors.Annotatef(err, "reinsert query %q as %q", oldID, newID)
		}
		if err := coll.RemoveId(doc["_id"]); err != nil {
			return report, errors.Annotatef(err, "remove query %q", oldID)
		}
		relinked, err := s.RelinkMessages(ctx, oldID, newID)
		if err != nil {
			return report, errors.Trace(err)
		}
		report.MessagesRelinked += relinked
	}
	return report, nil
}

// legacyFlags collects every visibility flag older writers used. The
// boolean grants appear under several spellings.
func legacyFlags(doc bson.M) workflow.LegacyFlags {
	return workflow.LegacyFlags{
		MarkedForTeam: stringField(doc, "markedForTeam"),
		Team:          stringField(doc, "team"),
		SendTo:        stringsField(doc, "sendTo"),
		SendToSales:   anyBool(doc, "sendToSales", "sendToSalesTeam", "sharedWithSales"),
		SendToCredit:  anyBool(doc, "sendToCredit", "sendToCreditTeam", "sharedWithCredit"),
	}
}

func anyBool(doc bson.M, keys ...string) bool {
	for _, key := range keys {
		if boolField(doc, key) {
			return true
		}
	}
	return false
}

func stringField(doc bson.M, key string) string {
	value, _ := doc[key].(string)
	return value
}

func boolField(doc bson.M, key string) bool {
	value, _ := doc[key].(bool)
	return value
}

func stringsField(doc bson.M, key string) []string {
	switch value := doc[key].(type) {
	case string:
		return []string{value}
	case []interface{}:
		out := make([]string, 0, len(value))
		for _, item := range value {
			if text, ok := item.(string); ok {
				out = append(out, text)
			}
		}
		return out
	}
	return nil
}
