package services

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weAIDB/CrackSQL/internal/knowledge"
)

func newTracker(t *testing.T, embedder knowledge.Embedder, store knowledge.VectorStore) (*JobTracker, sqlmock.Sqlmock) {
	t.Helper()

	db, mock := newMockDB(t)
	tracker := NewJobTracker(db, embedder, store, &knowledge.NoopKeywordIndexer{}, NewStatusCache(nil, db, 60), 1, 1, 4)
	return tracker, mock
}

func itemRows(itemID, kbID uint, status string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"item_id", "knowledge_base_id", "keyword", "description", "detail", "status"}).
		AddRow(itemID, kbID, "UPPER", "to uppercase", "Converts a string to uppercase.", status)
}

func kbRowWith(generation uint64, deleting bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"knowledge_base_id", "name", "generation", "deleting"}).
		AddRow(1, "pg-funcs", generation, deleting)
}

func TestJobTracker_ClaimConflict(t *testing.T) {
	store := knowledge.NewMemoryVectorStore()
	tracker, mock := newTracker(t, &fakeEmbedder{embedding: []float32{1, 0}}, store)

	// 条件更新没有命中行：条目已被其他worker认领，直接放弃
	mock.ExpectExec(`UPDATE "knowledge_items"`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := tracker.ProcessItem(context.Background(), 7)
	require.NoError(t, err)

	// 放弃后不再有任何数据库访问和向量写入
	assert.NoError(t, mock.ExpectationsWereMet())
	matches, err := store.Query(context.Background(), 1, []float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestJobTracker_ProcessItemCompletes(t *testing.T) {
	store := knowledge.NewMemoryVectorStore()
	tracker, mock := newTracker(t, &fakeEmbedder{embedding: []float32{1, 0}}, store)

	mock.ExpectExec(`UPDATE "knowledge_items"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT \* FROM "knowledge_items"`).
		WillReturnRows(itemRows(7, 1, "processing"))
	mock.ExpectQuery(`SELECT \* FROM "knowledge_bases"`).
		WillReturnRows(kbRowWith(0, false))
	// 完成前复查Generation
	mock.ExpectQuery(`SELECT \* FROM "knowledge_bases"`).
		WillReturnRows(kbRowWith(0, false))
	mock.ExpectExec(`UPDATE "knowledge_items"`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := tracker.ProcessItem(context.Background(), 7)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	matches, err := store.Query(context.Background(), 1, []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, uint(7), matches[0].ItemID)
}

func TestJobTracker_EmbedFailureMarksFailed(t *testing.T) {
	store := knowledge.NewMemoryVectorStore()
	tracker, mock := newTracker(t, &fakeEmbedder{err: errors.New("rate limited")}, store)

	mock.ExpectExec(`UPDATE "knowledge_items"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT \* FROM "knowledge_items"`).
		WillReturnRows(itemRows(7, 1, "processing"))
	mock.ExpectQuery(`SELECT \* FROM "knowledge_bases"`).
		WillReturnRows(kbRowWith(0, false))
	// markFailed 的条件更新
	mock.ExpectExec(`UPDATE "knowledge_items"`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := tracker.ProcessItem(context.Background(), 7)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	// 失败条目不能留下向量
	matches, err := store.Query(context.Background(), 1, []float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestJobTracker_StaleGenerationDiscarded(t *testing.T) {
	store := knowledge.NewMemoryVectorStore()
	tracker, mock := newTracker(t, &fakeEmbedder{embedding: []float32{1, 0}}, store)

	mock.ExpectExec(`UPDATE "knowledge_items"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT \* FROM "knowledge_items"`).
		WillReturnRows(itemRows(7, 1, "processing"))
	mock.ExpectQuery(`SELECT \* FROM "knowledge_bases"`).
		WillReturnRows(kbRowWith(0, false))
	// 处理期间发生了级联删除，Generation已递增
	mock.ExpectQuery(`SELECT \* FROM "knowledge_bases"`).
		WillReturnRows(kbRowWith(1, false))

	err := tracker.ProcessItem(context.Background(), 7)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	// 过期结果的向量被撤销，条目也不会被标记completed
	matches, err := store.Query(context.Background(), 1, []float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestJobTracker_AbandonsDeletingKnowledgeBase(t *testing.T) {
	store := knowledge.NewMemoryVectorStore()
	tracker, mock := newTracker(t, &fakeEmbedder{embedding: []float32{1, 0}}, store)

	mock.ExpectExec(`UPDATE "knowledge_items"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT \* FROM "knowledge_items"`).
		WillReturnRows(itemRows(7, 1, "processing"))
	mock.ExpectQuery(`SELECT \* FROM "knowledge_bases"`).
		WillReturnRows(kbRowWith(3, true))

	err := tracker.ProcessItem(context.Background(), 7)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	matches, err := store.Query(context.Background(), 1, []float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestJobTracker_ConcurrentCompleteRevertsVector(t *testing.T) {
	store := knowledge.NewMemoryVectorStore()
	tracker, mock := newTracker(t, &fakeEmbedder{embedding: []float32{1, 0}}, store)

	mock.ExpectExec(`UPDATE "knowledge_items"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT \* FROM "knowledge_items"`).
		WillReturnRows(itemRows(7, 1, "processing"))
	mock.ExpectQuery(`SELECT \* FROM "knowledge_bases"`).
		WillReturnRows(kbRowWith(0, false))
	mock.ExpectQuery(`SELECT \* FROM "knowledge_bases"`).
		WillReturnRows(kbRowWith(0, false))
	// 完成更新没有命中行：状态被并发改动
	mock.ExpectExec(`UPDATE "knowledge_items"`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := tracker.ProcessItem(context.Background(), 7)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	// 向量被撤销，维持"有向量必completed"
	matches, err := store.Query(context.Background(), 1, []float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Empty(t, matches)
}
