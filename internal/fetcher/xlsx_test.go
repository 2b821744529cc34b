package fetcher

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
)

type testSheet struct {
	name string
	rows [][]string
}

func createTestXLSX(t *testing.T, sheets ...testSheet) string {
	t.Helper()
	f := xlsx.NewFile()
	for _, s := range sheets {
		sheet, err := f.AddSheet(s.name)
		require.NoError(t, err)
		for _, rowData := range s.rows {
			row := sheet.AddRow()
			for _, cellData := range rowData {
				row.AddCell().SetString(cellData)
			}
		}
	}
	path := filepath.Join(t.TempDir(), "test.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestSheetRows_TrimsAndDropsBlank(t *testing.T) {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Sheet1")
	require.NoError(t, err)
	for _, data := range [][]string{{"code", "name"}, {" A1 ", "행복요양원"}, {"", ""}, {"A2", "사랑요양원"}} {
		row := sheet.AddRow()
		for _, c := range data {
			row.AddCell().SetString(c)
		}
	}

	assert.Equal(t, [][]string{
		{"code", "name"},
		{"A1", "행복요양원"},
		{"A2", "사랑요양원"},
	}, sheetRows(sheet))
}

func TestDecodeXLSX_SheetSelection(t *testing.T) {
	path := createTestXLSX(t,
		testSheet{"표지", [][]string{{"장기요양기관 현황"}, {"출처: 국민건강보험공단"}}},
		testSheet{"서울", [][]string{{"code", "name"}, {"A1", "행복요양원"}}},
		testSheet{"부산", [][]string{{"code", "name"}, {"B1", "바다요양원"}}},
	)

	t.Run("first sheet with a header", func(t *testing.T) {
		batch, err := decodeXLSX(path, "")
		require.NoError(t, err)
		require.Len(t, batch.Records, 1)
		assert.Equal(t, "A1", batch.Records[0].Code)
	})

	t.Run("named", func(t *testing.T) {
		batch, err := decodeXLSX(path, "부산")
		require.NoError(t, err)
		require.Len(t, batch.Records, 1)
		assert.Equal(t, "B1", batch.Records[0].Code)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := decodeXLSX(path, "대구")
		require.Error(t, err)
		assert.Contains(t, err.Error(), `sheet "대구" not found (have 표지, 서울, 부산)`)
	})
}

func TestDecodeXLSX_NoHeaderAnywhere(t *testing.T) {
	path := createTestXLSX(t, testSheet{"Sheet1", [][]string{{"foo", "bar"}, {"1", "2"}}})
	_, err := decodeXLSX(path, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no code column")
}

func TestDecodeXLSX_MissingFile(t *testing.T) {
	_, err := decodeXLSX(filepath.Join(t.TempDir(), "nope.xlsx"), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "xlsx: open file")
}

func TestDecodeRows_TitleBanner(t *testing.T) {
	batch, err := decodeRows([][]string{
		{"장기요양기관 현황 (2025.03 기준)"},
		{"기관기호", "기관명", "주소"},
		{"A1", "행복요양원", "서울특별시 강남구 테헤란로 123"},
	})
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	assert.Equal(t, "서울특별시 강남구 테헤란로 123", batch.Records[0].Address)
}

func TestDecodeRows(t *testing.T) {
	batch, err := decodeRows([][]string{
		{"장기요양기관기호", "장기요양기관명", "입소정원", "위도", "경도"},
		{"A1", "행복요양원", "100", "37.5", "127.0"},
		{"A2", "사랑요양원", "50", "north", "127.0"},
	})
	require.NoError(t, err)

	require.Len(t, batch.Records, 1)
	assert.Equal(t, 100, batch.Records[0].Capacity)
	require.NotNil(t, batch.Records[0].Coordinates)
	require.Len(t, batch.Rejects, 1)
	assert.Equal(t, 2, batch.Rejects[0].Row)
	assert.Contains(t, batch.Rejects[0].Reason, "lat")
}

func TestDecodeRows_Empty(t *testing.T) {
	batch, err := decodeRows(nil)
	require.NoError(t, err)
	assert.Zero(t, batch.Total())
}
