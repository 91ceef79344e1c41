package taxonomy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civitaslabs/policyd/internal/taxonomy"
)

func TestValid(t *testing.T) {
	assert.True(t, taxonomy.Valid(taxonomy.HousingFinance))
	assert.True(t, taxonomy.Valid(taxonomy.Welfare))
	assert.False(t, taxonomy.Valid(taxonomy.Unclassified))
	assert.False(t, taxonomy.Valid(taxonomy.Category("made-up")))
}

func TestAll(t *testing.T) {
	all := taxonomy.All()
	require.Len(t, all, 10)

	// Stable order with housing-finance first
	assert.Equal(t, taxonomy.HousingFinance, all[0].ID)
	assert.Equal(t, "주거금융", all[0].Label)

	seen := make(map[taxonomy.Category]bool)
	for _, info := range all {
		assert.NotEmpty(t, info.Label)
		assert.False(t, seen[info.ID], "duplicate category %s", info.ID)
		seen[info.ID] = true
	}
}

func TestAdjacent(t *testing.T) {
	tests := []struct {
		name     string
		category taxonomy.Category
		max      int
		want     []taxonomy.Category
	}{
		{
			name:     "housing finance neighbors",
			category: taxonomy.HousingFinance,
			max:      5,
			want:     []taxonomy.Category{taxonomy.Welfare, taxonomy.Taxation, taxonomy.AdminProcedure},
		},
		{
			name:     "truncated to max",
			category: taxonomy.Welfare,
			max:      1,
			want:     []taxonomy.Category{taxonomy.Health},
		},
		{
			name:     "unclassified has no neighbors",
			category: taxonomy.Unclassified,
			max:      5,
			want:     []taxonomy.Category{},
		},
		{
			name:     "zero max",
			category: taxonomy.Taxation,
			max:      0,
			want:     []taxonomy.Category{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := taxonomy.Adjacent(tt.category, tt.max)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  taxonomy.Category
	}{
		{"jeonse loan", "전세 대출 지원 정책 알려줘", taxonomy.HousingFinance},
		{"resident registration", "주민등록등본 발급 방법", taxonomy.AdminProcedure},
		{"childbirth subsidy", "출산 지원금 신청", taxonomy.Welfare},
		{"business registration", "사업자 등록 필요 서류", taxonomy.BusinessSupport},
		{"english tax query", "how do I claim a tax deduction", taxonomy.Taxation},
		{"no match", "안녕하세요", taxonomy.Unclassified},
		{"empty", "", taxonomy.Unclassified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, taxonomy.Classify(tt.query))
		})
	}
}

func TestClassifyDeterministicTieBreak(t *testing.T) {
	// One keyword hit from two categories: taxonomy order decides.
	got := taxonomy.Classify("주택 복지")
	assert.Equal(t, taxonomy.HousingFinance, got)
}
