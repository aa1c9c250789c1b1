package repository

import (
	"context"
	"path/filepath"
	"testing"

	"dianping/internal/model"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(model.All()...))
	return db
}

func TestRepository_GetMissingReturnsNil(t *testing.T) {
	repo := New[model.Shop](openDB(t))
	got, err := repo.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRepository_CreateGetUpdate(t *testing.T) {
	ctx := context.Background()
	repo := New[model.Shop](openDB(t))

	shop := &model.Shop{ID: 1, Name: "Tea House", TypeID: 1}
	require.NoError(t, repo.Create(ctx, shop))

	n, err := repo.Update(ctx, &model.Shop{ID: 1, Name: "Tea House 2"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := repo.Get(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Tea House 2", got.Name)
	assert.Equal(t, int64(1), got.TypeID)
}

func TestRepository_FindAndPage(t *testing.T) {
	ctx := context.Background()
	repo := New[model.ShopType](openDB(t))
	for i, name := range []string{"food", "ktv", "spa"} {
		require.NoError(t, repo.Create(ctx, &model.ShopType{ID: int64(i + 1), Name: name, Sort: 3 - i}))
	}

	list, err := repo.Find(ctx, "sort asc", nil)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "spa", list[0].Name)

	page, err := repo.Page(ctx, 2, 2, "id > ?", 0)
	require.NoError(t, err)
	require.Len(t, page, 1)
}

func TestTransaction_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)

	err := Transaction(ctx, db, func(tx *gorm.DB) error {
		if err := New[model.Shop](db).WithTx(tx).Create(ctx, &model.Shop{ID: 9, Name: "x"}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)

	got, err := New[model.Shop](db).Get(ctx, 9)
	require.NoError(t, err)
	assert.Nil(t, got)
}
