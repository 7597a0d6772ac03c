/*
 Copyright 2023 NanaFS Authors.

 Licensed under the Apache License, Version 2.0 (the "License");
 you may not use this file except in compliance with the License.
 You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

package backend

import (
	"context"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"

	"github.com/basenana/vfscache/config"
	"github.com/basenana/vfscache/pkg/types"
	"github.com/basenana/vfscache/utils/logger"
)

type sqliteStore struct {
	*gorm.DB
	instance string
	logger   *zap.SugaredLogger
}

var _ Store = &sqliteStore{}

func newSqliteStore(meta config.Meta) (*sqliteStore, error) {
	dbEntity, err := gorm.Open(sqlite.Open(meta.Path), &gorm.Config{Logger: newDbLogger()})
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite meta")
	}

	dbConn, err := dbEntity.DB()
	if err != nil {
		return nil, err
	}
	if err = dbConn.Ping(); err != nil {
		return nil, err
	}

	s := &sqliteStore{DB: dbEntity, logger: logger.NewLogger("sqliteStore")}
	if err = s.migrate(); err != nil {
		return nil, errors.Wrap(err, "migrate sqlite meta")
	}
	return s, nil
}

func (s *sqliteStore) migrate() error {
	if err := s.AutoMigrate(&SystemInfo{}, &Object{}, &Binding{}); err != nil {
		return err
	}

	ctx, canF := context.WithTimeout(context.TODO(), time.Second*10)
	defer canF()

	info := &SystemInfo{}
	res := s.WithContext(ctx).First(info)
	if res.Error == gorm.ErrRecordNotFound {
		info.FsID = uuid.New().String()
		if res = s.WithContext(ctx).Create(info); res.Error != nil {
			return res.Error
		}
	} else if res.Error != nil {
		return res.Error
	}
	s.instance = info.FsID

	root := &Object{ID: RootObjectID}
	res = s.WithContext(ctx).First(root)
	if res.Error == gorm.ErrRecordNotFound {
		rootDesc := types.ObjectDescriptor{
			ObjectID:   RootObjectID,
			Kind:       types.GroupKind,
			NLink:      2,
			Access:     defaultAccess(),
			CreatedAt:  time.Now(),
			ModifiedAt: time.Now(),
		}
		root.Update(&rootDesc)
		if res = s.WithContext(ctx).Create(root); res.Error != nil {
			return res.Error
		}
	} else if res.Error != nil {
		return res.Error
	}
	return nil
}

func (s *sqliteStore) InstanceID() string {
	return s.instance
}

func (s *sqliteStore) RootObject(ctx context.Context) (*types.ObjectDescriptor, error) {
	obj := &Object{ID: RootObjectID}
	res := s.WithContext(ctx).First(obj)
	if res.Error != nil {
		return nil, sqlError2Error(res.Error)
	}
	return obj.Descriptor(), nil
}

func (s *sqliteStore) Lookup(ctx context.Context, parentID int64, name string) (*types.ObjectDescriptor, error) {
	var obj Object
	err := s.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		binding := Binding{}
		res := tx.Where("parent_id = ? AND name = ?", parentID, name).First(&binding)
		if res.Error != nil {
			return res.Error
		}
		return tx.First(&obj, "id = ?", binding.ObjectID).Error
	})
	if err != nil {
		return nil, sqlError2Error(err)
	}
	return obj.Descriptor(), nil
}

func (s *sqliteStore) Create(ctx context.Context, parentID int64, attr types.ObjectAttr) (*types.ObjectDescriptor, error) {
	if err := attr.Verify(); err != nil {
		return nil, err
	}
	newDesc := types.ObjectDescriptor{
		Kind:       attr.Kind,
		NLink:      1,
		SymTarget:  attr.SymTarget,
		Access:     attr.Access,
		CreatedAt:  time.Now(),
		ModifiedAt: time.Now(),
	}
	if types.IsGroup(attr.Kind) {
		newDesc.NLink = 2
	}

	obj := &Object{}
	obj.Update(&newDesc)
	obj.ID = 0 // assigned by the database
	err := s.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		res := tx.Model(&Binding{}).Where("parent_id = ? AND name = ?", parentID, attr.Name).Count(&count)
		if res.Error != nil {
			return res.Error
		}
		if count > 0 {
			return types.ErrIsExist
		}
		if res = tx.Create(obj); res.Error != nil {
			return res.Error
		}
		return tx.Create(&Binding{ParentID: parentID, Name: attr.Name, ObjectID: obj.ID}).Error
	})
	if err != nil {
		return nil, sqlError2Error(err)
	}
	return obj.Descriptor(), nil
}

func (s *sqliteStore) Link(ctx context.Context, parentID int64, name string, objectID int64) (*types.ObjectDescriptor, error) {
	var obj Object
	err := s.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if res := tx.First(&obj, "id = ?", objectID); res.Error != nil {
			return res.Error
		}
		if types.IsGroup(types.Kind(obj.Kind)) {
			return types.ErrIsGroup
		}
		var count int64
		if res := tx.Model(&Binding{}).Where("parent_id = ? AND name = ?", parentID, name).Count(&count); res.Error != nil {
			return res.Error
		}
		if count > 0 {
			return types.ErrIsExist
		}
		if res := tx.Create(&Binding{ParentID: parentID, Name: name, ObjectID: objectID}); res.Error != nil {
			return res.Error
		}
		obj.NLink += 1
		return tx.Model(&Object{}).Where("id = ?", objectID).Update("nlink", obj.NLink).Error
	})
	if err != nil {
		return nil, sqlError2Error(err)
	}
	return obj.Descriptor(), nil
}

func (s *sqliteStore) Unlink(ctx context.Context, parentID int64, name string) error {
	err := s.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		binding := Binding{}
		if res := tx.Where("parent_id = ? AND name = ?", parentID, name).First(&binding); res.Error != nil {
			return res.Error
		}
		var obj Object
		if res := tx.First(&obj, "id = ?", binding.ObjectID); res.Error != nil {
			return res.Error
		}
		if types.IsGroup(types.Kind(obj.Kind)) {
			var count int64
			if res := tx.Model(&Binding{}).Where("parent_id = ?", obj.ID).Count(&count); res.Error != nil {
				return res.Error
			}
			if count > 0 {
				return types.ErrNotEmpty
			}
			obj.NLink = 0
		} else {
			obj.NLink -= 1
		}
		if res := tx.Where("parent_id = ? AND name = ?", parentID, name).Delete(&Binding{}); res.Error != nil {
			return res.Error
		}
		return tx.Model(&Object{}).Where("id = ?", obj.ID).Update("nlink", obj.NLink).Error
	})
	return sqlError2Error(err)
}

func (s *sqliteStore) Rename(ctx context.Context, oldParentID int64, oldName string, newParentID int64, newName string) error {
	err := s.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		binding := Binding{}
		if res := tx.Where("parent_id = ? AND name = ?", oldParentID, oldName).First(&binding); res.Error != nil {
			return res.Error
		}
		displaced := Binding{}
		res := tx.Where("parent_id = ? AND name = ?", newParentID, newName).First(&displaced)
		if res.Error == nil {
			var count int64
			if res = tx.Model(&Binding{}).Where("parent_id = ?", displaced.ObjectID).Count(&count); res.Error != nil {
				return res.Error
			}
			if count > 0 {
				return types.ErrNotEmpty
			}
			if res = tx.Where("parent_id = ? AND name = ?", newParentID, newName).Delete(&Binding{}); res.Error != nil {
				return res.Error
			}
		} else if res.Error != gorm.ErrRecordNotFound {
			return res.Error
		}
		if res = tx.Where("parent_id = ? AND name = ?", oldParentID, oldName).Delete(&Binding{}); res.Error != nil {
			return res.Error
		}
		return tx.Create(&Binding{ParentID: newParentID, Name: newName, ObjectID: binding.ObjectID}).Error
	})
	return sqlError2Error(err)
}

func (s *sqliteStore) ReadLink(ctx context.Context, objectID int64) (string, error) {
	var obj Object
	res := s.WithContext(ctx).First(&obj, "id = ?", objectID)
	if res.Error != nil {
		return "", sqlError2Error(res.Error)
	}
	if types.Kind(obj.Kind) != types.SymLinkKind {
		return "", types.ErrUnsupported
	}
	return obj.SymTarget, nil
}

func (s *sqliteStore) Revalidate(ctx context.Context, parentID int64, name string, objectID int64) Validity {
	binding := Binding{}
	res := s.WithContext(ctx).Where("parent_id = ? AND name = ?", parentID, name).First(&binding)
	if res.Error != nil {
		// Object id zero stands for a cached absence, which an absent
		// binding confirms.
		if errors.Is(res.Error, gorm.ErrRecordNotFound) && objectID == 0 {
			return Valid
		}
		return InvalidRecoverable
	}
	if binding.ObjectID != objectID {
		return InvalidRecoverable
	}
	return Valid
}

func (s *sqliteStore) Release(ctx context.Context, objectID int64) error {
	res := s.WithContext(ctx).Where("id = ?", objectID).Delete(&Object{})
	return sqlError2Error(res.Error)
}

func sqlError2Error(err error) error {
	switch err {
	case gorm.ErrRecordNotFound:
		return types.ErrNotFound
	default:
		return err
	}
}

type dbLogger struct {
	*zap.SugaredLogger
}

func (l *dbLogger) LogMode(level glogger.LogLevel) glogger.Interface {
	return l
}

func (l *dbLogger) Info(ctx context.Context, s string, i ...interface{}) {
	l.Infof(s, i...)
}

func (l *dbLogger) Warn(ctx context.Context, s string, i ...interface{}) {
	l.Warnf(s, i...)
}

func (l *dbLogger) Error(ctx context.Context, s string, i ...interface{}) {
	l.Errorf(s, i...)
}

func (l *dbLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	switch {
	case err != nil && err != gorm.ErrRecordNotFound:
		sqlContent, rows := fc()
		l.Warnw("trace error", "sql", sqlContent, "rows", rows, "err", err)
	case time.Since(begin) > time.Second:
		sqlContent, rows := fc()
		l.Infow("slow sql", "sql", sqlContent, "rows", rows, "err", err)
	}
}

func newDbLogger() *dbLogger {
	return &dbLogger{SugaredLogger: logger.NewLogger("database")}
}
