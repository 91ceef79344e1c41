// Package taxonomy defines the closed set of policy categories used for
// query classification, retrieval filtering, and related-topic suggestions.
package taxonomy

import "strings"

// Category identifies a policy area. The set is closed: every classified
// query maps to exactly one Category or to Unclassified.
type Category string

const (
	HousingFinance  Category = "housing-finance"
	Welfare         Category = "welfare"
	Employment      Category = "employment"
	Taxation        Category = "taxation"
	Education       Category = "education"
	Health          Category = "health"
	BusinessSupport Category = "business-support"
	AdminProcedure  Category = "admin-procedure"
	Environment     Category = "environment"
	Transport       Category = "transport"

	// Unclassified marks queries that match no category.
	Unclassified Category = "unclassified"
)

// Info describes a category for API consumers.
type Info struct {
	ID    Category `json:"id"`
	Label string   `json:"name"`
}

// labels maps categories to their citizen-facing Korean labels.
var labels = map[Category]string{
	HousingFinance:  "주거금융",
	Welfare:         "복지혜택",
	Employment:      "고용지원",
	Taxation:        "세금정보",
	Education:       "교육지원",
	Health:          "건강보험",
	BusinessSupport: "사업지원",
	AdminProcedure:  "행정절차",
	Environment:     "환경",
	Transport:       "교통",
}

// ordered keeps a stable listing order for API responses.
var ordered = []Category{
	HousingFinance, Welfare, Employment, Taxation, Education,
	Health, BusinessSupport, AdminProcedure, Environment, Transport,
}

// adjacency maps each category to related categories, most related first.
// Used by the response composer to derive related-topic suggestions.
var adjacency = map[Category][]Category{
	HousingFinance:  {Welfare, Taxation, AdminProcedure},
	Welfare:         {Health, HousingFinance, Employment},
	Employment:      {BusinessSupport, Welfare, Education},
	Taxation:        {BusinessSupport, HousingFinance, AdminProcedure},
	Education:       {Welfare, Employment},
	Health:          {Welfare, AdminProcedure},
	BusinessSupport: {Employment, Taxation},
	AdminProcedure:  {Taxation, Health, Transport},
	Environment:     {Transport, Health},
	Transport:       {Environment, AdminProcedure},
}

// keywords drives the heuristic classifier. Terms are matched against the
// normalized query; both Korean and romanized terms are included because
// queries arrive in either script.
var keywords = map[Category][]string{
	HousingFinance:  {"전세", "월세", "주택", "임대", "대출", "보증금", "주거", "housing", "rent", "mortgage"},
	Welfare:         {"복지", "지원금", "수당", "기초생활", "출산", "양육", "아동", "welfare", "benefit", "allowance"},
	Employment:      {"고용", "취업", "실업", "일자리", "구직", "근로", "employment", "job", "unemployment"},
	Taxation:        {"세금", "소득세", "부가세", "납세", "공제", "연말정산", "tax", "deduction"},
	Education:       {"교육", "학자금", "장학", "등록금", "학교", "education", "scholarship", "tuition"},
	Health:          {"건강보험", "의료", "병원", "진료", "검진", "health", "medical", "insurance"},
	BusinessSupport: {"사업자", "창업", "소상공인", "기업", "스타트업", "business", "startup", "sme"},
	AdminProcedure:  {"등본", "증명서", "발급", "신청", "민원", "서류", "certificate", "application", "document"},
	Environment:     {"환경", "재활용", "미세먼지", "폐기물", "environment", "recycling", "emission"},
	Transport:       {"교통", "버스", "지하철", "운전면허", "자동차", "transport", "transit", "license"},
}

// Valid reports whether c is a member of the closed taxonomy.
// Unclassified is not a member.
func Valid(c Category) bool {
	_, ok := labels[c]
	return ok
}

// Label returns the citizen-facing label for a category, or the raw ID when
// the category is unknown.
func Label(c Category) string {
	if l, ok := labels[c]; ok {
		return l
	}
	return string(c)
}

// All returns every category in stable order.
func All() []Info {
	out := make([]Info, 0, len(ordered))
	for _, c := range ordered {
		out = append(out, Info{ID: c, Label: labels[c]})
	}
	return out
}

// Adjacent returns up to max categories related to c, most related first.
// Unknown categories and Unclassified have no neighbors.
func Adjacent(c Category, max int) []Category {
	neighbors := adjacency[c]
	if max < 0 {
		max = 0
	}
	if len(neighbors) > max {
		neighbors = neighbors[:max]
	}
	out := make([]Category, len(neighbors))
	copy(out, neighbors)
	return out
}

// Classify assigns a category to a normalized query by keyword overlap.
// The category with the most matched terms wins; ties break by taxonomy
// order for determinism. Returns Unclassified when nothing matches.
func Classify(query string) Category {
	q := strings.ToLower(query)

	best := Unclassified
	bestHits := 0
	for _, c := range ordered {
		hits := 0
		for _, kw := range keywords[c] {
			if strings.Contains(q, kw) {
				hits++
			}
		}
		if hits > bestHits {
			best = c
			bestHits = hits
		}
	}
	return best
}
