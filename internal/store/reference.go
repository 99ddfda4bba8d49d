package store

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"
)

// UserUpdate holds the mutable user fields; nil fields are left untouched.
type UserUpdate struct {
	Name             *string
	Email            *string
	Role             *string
	Branch           *string
	AssignedBranches []string
	Permissions      []string
	PasswordHash     *string
	Active           *bool
}

func (s *MongoStore) GetUser(ctx context.Context, employeeID string) (User, error) {
	coll, closer, err := s.collection(ctx, collUsers)
	if err != nil {
		return User{}, err
	}
	defer closer()
	var user User
	if err := coll.FindId(employeeID).One(&user); err == mgo.ErrNotFound {
		return User{}, errors.NotFoundf("user %q", employeeID)
	} else if err != nil {
		return User{}, errors.Annotatef(err, "get user %q", employeeID)
	}
	return user, nil
}

func (s *MongoStore) ListUsers(ctx context.Context) ([]User, error) {
	coll, closer, err := s.collection(ctx, collUsers)
	if err != nil {
		return nil, err
	}
	defer closer()
	users := []User{}
	return users, errors.Annotate(coll.Find(nil).Sort("_id").All(&users), "list users")
}

func (s *MongoStore) InsertUser(ctx context.Context, user User) error {
	coll, closer, err := s.collection(ctx, collUsers)
	if err != nil {
		return err
	}
	defer closer()
	if err := coll.Insert(user); err != nil {
		if mgo.IsDup(err) {
			return errors.AlreadyExistsf("user %q", user.EmployeeID)
		}
		return errors.Annotatef(err, "insert user %q", user.EmployeeID)
	}
	return nil
}

// UpsertUser writes user in full, creating it when missing.
func (s *MongoStore) UpsertUser(ctx context.Context, user User) error {
	coll, closer, err := s.collection(ctx, collUsers)
	if err != nil {
		return err
	}
	defer closer()
	_, err = coll.UpsertId(user.EmployeeID, user)
	return errors.Annotatef(err, "upsert user %q", user.EmployeeID)
}

func (s *MongoStore) UpdateUser(ctx context.Context, employeeID string, update UserUpdate) (User, error) {
	set := bson.M{}
	if update.Name != nil {
		set["name"] = *update.Name
	}
	if update.Email != nil {
		set["email"] = *update.Email
	}
	if update.Role != nil {
		set["role"] = *update.Role
	}
	if update.Branch != nil {
		set["branch"] = *update.Branch
	}
	if update.AssignedBranches != nil {
		set["assignedBranches"] = update.AssignedBranches
	}
	if update.Permissions != nil {
		set["permissions"] = update.Permissions
	}
	if update.PasswordHash != nil {
		set["passwordHash"] = *update.PasswordHash
	}
	if update.Active != nil {
		set["active"] = *update.Active
	}
	if len(set) == 0 {
		return s.GetUser(ctx, employeeID)
	}

	coll, closer, err := s.collection(ctx, collUsers)
	if err != nil {
		return User{}, err
	}
	defer closer()
	var user User
	_, err = coll.FindId(employeeID).Apply(mgo.Change{Update: bson.M{"$set": set}, ReturnNew: true}, &user)
	if err == mgo.ErrNotFound {
		return User{}, errors.NotFoundf("user %q", employeeID)
	}
	if err != nil {
		return User{}, errors.Annotatef(err, "update user %q", employeeID)
	}
	return user, nil
}

func (s *MongoStore) TouchLogin(ctx context.Context, employeeID string, at time.Time) error {
	coll, closer, err := s.collection(ctx, collUsers)
	if err != nil {
		return err
	}
	defer closer()
	return errors.Annotatef(coll.UpdateId(employeeID, bson.M{"$set": bson.M{"lastLogin": at}}), "touch login %q", employeeID)
}

func (s *MongoStore) DeleteUser(ctx context.Context, employeeID string) error {
	coll, closer, err := s.collection(ctx, collUsers)
	if err != nil {
		return err
	}
	defer closer()
	if err := coll.RemoveId(employeeID); err == mgo.ErrNotFound {
		return errors.NotFoundf("user %q", employeeID)
	} else if err != nil {
		return errors.Annotatef(err, "delete user %q", employeeID)
	}
	return nil
}

func (s *MongoStore) ListBranches(ctx context.Context, activeOnly bool) ([]Branch, error) {
	coll, closer, err := s.collection(ctx, collBranches)
	if err != nil {
		return nil, err
	}
	defer closer()
	var selector bson.M
	if activeOnly {
		selector = bson.M{"active": true}
	}
	branches := []Branch{}
	return branches, errors.Annotate(coll.Find(selector).Sort("_id").All(&branches), "list branches")
}

func (s *MongoStore) CountBranches(ctx context.Context) (int, error) {
	coll, closer, err := s.collection(ctx, collBranches)
	if err != nil {
		return 0, err
	}
	defer closer()
	count, err := coll.Count()
	return count, errors.Annotate(err, "count branches")
}

func (s *MongoStore) UpsertBranch(ctx context.Context, branch Branch) error {
	coll, closer, err := s.collection(ctx, collBranches)
	if err != nil {
		return err
	}
	defer closer()
	_, err = coll.UpsertId(branch.Code, branch)
	return errors.Annotatef(err, "upsert branch %q", branch.Code)
}

func (s *MongoStore) GetBranch(ctx context.Context, code string) (Branch, error) {
	coll, closer, err := s.collection(ctx, collBranches)
	if err != nil {
		return Branch{}, err
	}
	defer closer()
	var branch Branch
	if err := coll.FindId(code).One(&branch); err == mgo.ErrNotFound {
		return Branch{}, errors.NotFoundf("branch %q", code)
	} else if err != nil {
		return Branch{}, errors.Annotatef(err, "get branch %q", code)
	}
	return branch, nil
}

func (s *MongoStore) ListApplications(ctx context.Context, sanctioned bool, branches []string) ([]Application, error) {
	name := collApplication
	if sanctioned {
		name = collSanctioned
	}
	selector := bson.M{}
	if branches != nil {
		if len(branches) == 0 {
			return []Application{}, nil
		}
		selector, _ = QueryFilter{Branches: branches}.selector()
	}
	coll, closer, err := s.collection(ctx, name)
	if err != nil {
		return nil, err
	}
	defer closer()
	apps := []Application{}
	return apps, errors.Annotatef(coll.Find(selector).Sort("-uploadedAt").All(&apps), "list %s", name)
}

// UpsertApplications stores imported rows; sanctioned rows also land in the
// sanctioned collection.
func (s *MongoStore) UpsertApplications(ctx context.Context, apps []Application) (int, error) {
	coll, closer, err := s.collection(ctx, collApplication)
	if err != nil {
		return 0, err
	}
	defer closer()
	sanctioned := coll.Database.C(collSanctioned)
	written := 0
	for _, app := range apps {
		if _, err := coll.UpsertId(app.AppNo, app); err != nil {
			return written, errors.Annotatef(err, "upsert application %q", app.AppNo)
		}
		if app.SanctionDate != nil || app.SanctionedAmount > 0 {
			if _, err := sanctioned.UpsertId(app.AppNo, app); err != nil {
				return written, errors.Annotatef(err, "upsert sanctioned application %q", app.AppNo)
			}
		}
		written++
	}
	return written, nil
}

func (s *MongoStore) GetSanctioned(ctx context.Context, appNo string) (Application, error) {
	coll, closer, err := s.collection(ctx, collSanctioned)
	if err != nil {
		return Application{}, err
	}
	defer closer()
	var app Application
	if err := coll.FindId(appNo).One(&app); err == mgo.ErrNotFound {
		return Application{}, errors.NotFoundf("sanctioned application %q", appNo)
	} else if err != nil {
		return Application{}, errors.Annotatef(err, "get sanctioned application %q", appNo)
	}
	return app, nil
}

func (s *MongoStore) DeleteSanctioned(ctx context.Context, appNo string) error {
	coll, closer, err := s.collection(ctx, collSanctioned)
	if err != nil {
		return err
	}
	defer closer()
	if err := coll.RemoveId(appNo); err == mgo.ErrNotFound {
		return errors.NotFoundf("sanctioned application %q", appNo)
	} else if err != nil {
		return errors.Annotatef(err, "delete sanctioned application %q", appNo)
	}
	return nil
}

func (s *MongoStore) ClearSanctioned(ctx context.Context) (int, error) {
	return s.removeAll(ctx, collSanctioned, nil)
}
