package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"preprint-harvester/models"
)

func TestRebuildBuildsNewRows(t *testing.T) {
	db := newTestDB(t)
	v := NewViewBuilder(db, zap.NewNop())

	modified := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, db.Create(&[]models.Preprint{
		{ID: "p1", BaseID: "p1", Title: "First", Version: 1, IsLatestVersion: true, DateModified: modified},
		{ID: "p2", BaseID: "p2", Title: "Second", Version: 1, IsLatestVersion: true, DateModified: modified},
	}).Error)

	written, err := v.Rebuild(false, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, written)

	var ui models.PreprintUI
	require.NoError(t, db.First(&ui, "id = ?", "p1").Error)
	assert.Equal(t, "First", ui.Title)
	assert.True(t, ui.IsLatestVersion)
	assert.False(t, ui.LastUpdated.IsZero())

	// Ohne Änderungen gibt es keine Kandidaten mehr.
	written, err = v.Rebuild(false, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, written)
}

func TestRebuildRefreshesStaleRows(t *testing.T) {
	db := newTestDB(t)
	v := NewViewBuilder(db, zap.NewNop())

	require.NoError(t, db.Create(&[]models.Preprint{
		{ID: "p1", BaseID: "p1", Title: "First", Version: 1, DateModified: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		{ID: "p2", BaseID: "p2", Title: "Second", Version: 1, DateModified: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
	}).Error)
	_, err := v.Rebuild(false, 10)
	require.NoError(t, err)

	// p1 wird nach dem View-Aufbau erneut modifiziert und gilt als stale.
	require.NoError(t, db.Model(&models.Preprint{}).Where("id = ?", "p1").
		Updates(map[string]any{
			"title":         "First, revised",
			"date_modified": time.Now().UTC().Add(time.Hour),
		}).Error)

	written, err := v.Rebuild(false, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, written)

	var ui models.PreprintUI
	require.NoError(t, db.First(&ui, "id = ?", "p1").Error)
	assert.Equal(t, "First, revised", ui.Title)
}

func TestRebuildFullRebuildsEverything(t *testing.T) {
	db := newTestDB(t)
	v := NewViewBuilder(db, zap.NewNop())

	require.NoError(t, db.Create(&[]models.Preprint{
		{ID: "p1", BaseID: "p1", Title: "First", Version: 1, DateModified: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		{ID: "p2", BaseID: "p2", Title: "Second", Version: 1, DateModified: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
	}).Error)
	_, err := v.Rebuild(false, 10)
	require.NoError(t, err)

	written, err := v.Rebuild(true, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, written)
}

func TestBuildRowFlattensRelationships(t *testing.T) {
	db := newTestDB(t)
	v := NewViewBuilder(db, zap.NewNop())

	require.NoError(t, db.Create(&models.Preprint{
		ID: "p1", BaseID: "p1", Title: "First", Version: 1, IsLatestVersion: true,
		DateModified: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}).Error)
	require.NoError(t, db.Create(&[]models.Contributor{
		{ID: "user1", FullName: "Ada Lovelace"},
		{ID: "user2", FullName: "Grace Hopper"},
	}).Error)
	// user1 steht an Position 0 und ist damit Erstautor, zählt aber ohne
	// bibliographic-Flag nicht zur Autorenliste.
	require.NoError(t, db.Create(&[]models.PreprintContributor{
		{PreprintID: "p1", ContributorID: "user1", AuthorIndex: 0, Bibliographic: false, IsLatestVersion: true},
		{PreprintID: "p1", ContributorID: "user2", AuthorIndex: 1, Bibliographic: true, IsLatestVersion: true},
	}).Error)
	require.NoError(t, db.Create(&[]models.Tag{
		{Name: "sleep", UsageCount: 1},
		{Name: "memory", UsageCount: 1},
	}).Error)
	var tags []models.Tag
	require.NoError(t, db.Order("name DESC").Find(&tags).Error)
	for pos, tag := range tags {
		require.NoError(t, db.Create(&models.PreprintTag{
			PreprintID: "p1", TagID: tag.ID, Position: pos, IsLatestVersion: true,
		}).Error)
	}
	require.NoError(t, db.Create(&models.Subject{ID: "s1", Text: "Psychology"}).Error)
	require.NoError(t, db.Create(&models.PreprintSubject{
		PreprintID: "p1", SubjectID: "s1", IsLatestVersion: true,
	}).Error)

	row, err := v.buildRow("p1")
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", row.FirstAuthor)
	assert.Equal(t, "Grace Hopper", row.ContributorsList)
	assert.Equal(t, "sleep; memory", row.TagsList)
	assert.Equal(t, "Psychology", row.SubjectsList)
	assert.NotEmpty(t, row.ContributorsData)
	assert.NotEmpty(t, row.TagsData)
}
