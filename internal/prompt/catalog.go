package prompt

// Template is a parameterized prompt. Placeholders use {name} syntax and are
// filled from the value pools.
type Template struct {
	ID         string
	Category   string
	Text       string
	Complexity float64
	MinNodes   int
	MaxNodes   int
	// ExpectedNodeTypes are hints for generators and reports, not checks.
	ExpectedNodeTypes []string
}

// Scenario is a two-turn conversation: an initial request and a follow-up
// edit instruction sent in the same session.
type Scenario struct {
	ID       string
	Category string
	Initial  string
	FollowUp string
}

// DefaultToken replaces placeholders that have no value pool.
const DefaultToken = "default"

// DefaultValuePools are the stock values sampled per placeholder name.
var DefaultValuePools = map[string][]string{
	"count":         {"3", "5", "10"},
	"file_type":     {"PDF", "CSV", "JSON", "엑셀", "텍스트"},
	"folder":        {"./data", "./reports", "~/Documents", "./inbox"},
	"language":      {"영어", "일본어", "중국어", "한국어"},
	"topic":         {"매출 동향", "고객 리뷰", "서버 로그", "연구 논문", "뉴스 기사"},
	"output_format": {"마크다운", "JSON", "CSV", "PDF 보고서"},
	"chart_type":    {"막대 차트", "선 그래프", "파이 차트"},
	"threshold":     {"0.5", "0.7", "0.9"},
	"period":        {"지난주", "지난달", "올해 1분기"},
	"api_name":      {"날씨 API", "환율 API", "GitHub API"},
	"sentences":     {"3", "5"},
}

// DefaultTemplates is the stock catalog.
var DefaultTemplates = []Template{
	{
		ID: "file-summarize", Category: "document", Complexity: 0.3, MinNodes: 3, MaxNodes: 5,
		Text:              "{folder} 폴더의 {file_type} 파일 {count}개를 읽어서 각각 {sentences}문장으로 요약해줘",
		ExpectedNodeTypes: []string{"io.folder-list", "io.file-read", "llm.summarize"},
	},
	{
		ID: "pdf-report", Category: "document", Complexity: 0.5, MinNodes: 4, MaxNodes: 7,
		Text:              "{topic}에 관한 PDF {count}개에서 핵심 내용을 추출하고 {output_format} 형식의 보고서를 만들어줘",
		ExpectedNodeTypes: []string{"doc.pdf-parse", "llm.summarize", "doc.report"},
	},
	{
		ID: "translate-batch", Category: "ai", Complexity: 0.3, MinNodes: 3, MaxNodes: 5,
		Text:              "{folder}에 있는 문서 {count}개를 {language}로 번역해서 저장해줘",
		ExpectedNodeTypes: []string{"io.file-read", "llm.chat", "io.file-write"},
	},
	{
		ID: "csv-chart", Category: "data", Complexity: 0.4, MinNodes: 3, MaxNodes: 6,
		Text:              "{period} 판매 CSV 데이터를 집계해서 {chart_type}로 시각화해줘",
		ExpectedNodeTypes: []string{"io.file-read", "transform.csv-parse", "data.aggregate", "viz.chart"},
	},
	{
		ID: "review-classify", Category: "ai", Complexity: 0.5, MinNodes: 4, MaxNodes: 7,
		Text:              "{topic} 데이터 {count}건을 감정별로 분류하고 신뢰도가 {threshold} 이상인 것만 표로 보여줘",
		ExpectedNodeTypes: []string{"llm.classify", "data.filter", "viz.table"},
	},
	{
		ID: "rag-qa", Category: "retrieval", Complexity: 0.7, MinNodes: 5, MaxNodes: 9,
		Text:              "{folder}의 문서를 임베딩해서 벡터 DB에 저장한 다음, {topic}에 대한 질문에 검색 기반으로 답변해줘",
		ExpectedNodeTypes: []string{"io.file-read", "transform.text-split", "llm.embed", "storage.vector-store", "storage.vector-search", "llm.chat"},
	},
	{
		ID: "api-monitor", Category: "web", Complexity: 0.6, MinNodes: 4, MaxNodes: 8,
		Text:              "{api_name}를 {count}번 호출해서 응답을 JSON으로 저장하고, 실패한 경우 로그를 남겨줘",
		ExpectedNodeTypes: []string{"io.http-request", "control.loop", "control.if", "debug.log", "io.file-write"},
	},
	{
		ID: "log-triage", Category: "data", Complexity: 0.6, MinNodes: 4, MaxNodes: 8,
		Text:              "{period} {topic}를 분석해서 오류 패턴 상위 {count}개를 찾고 {output_format}으로 정리해줘",
		ExpectedNodeTypes: []string{"io.file-read", "transform.text-split", "llm.classify", "data.sort", "doc.report"},
	},
	{
		ID: "ocr-extract", Category: "vision", Complexity: 0.6, MinNodes: 3, MaxNodes: 6,
		Text:              "스캔한 이미지 {count}장에서 텍스트를 추출해서 {file_type} 파일로 저장해줘",
		ExpectedNodeTypes: []string{"io.folder-list", "doc.ocr", "io.file-write"},
	},
	{
		ID: "conditional-route", Category: "control", Complexity: 0.7, MinNodes: 5, MaxNodes: 9,
		Text:              "{topic}를 요약하고, 만약 부정적인 내용이 {threshold} 이상이면 {language}로 번역해서 알림을 보내고 아니면 그냥 저장해줘",
		ExpectedNodeTypes: []string{"llm.summarize", "llm.classify", "control.if", "llm.chat", "io.http-request", "io.file-write"},
	},
	{
		ID: "python-transform", Category: "process", Complexity: 0.5, MinNodes: 3, MaxNodes: 6,
		Text:              "{file_type} 데이터를 파이썬 스크립트로 정제한 뒤 {count}개 그룹으로 나눠서 {chart_type}를 그려줘",
		ExpectedNodeTypes: []string{"io.file-read", "process.python", "data.aggregate", "viz.chart"},
	},
	{
		ID: "few-shot-extract", Category: "ai", Complexity: 0.5, MinNodes: 3, MaxNodes: 6,
		Text:              "예시 {count}개를 참고해서 {topic}에서 항목을 추출하는 프롬프트를 만들고 결과를 JSON으로 출력해줘",
		ExpectedNodeTypes: []string{"prompt.few-shot", "llm.chat", "transform.json-query", "io.file-write"},
	},
	{
		ID: "kv-cache", Category: "storage", Complexity: 0.4, MinNodes: 3, MaxNodes: 6,
		Text:              "{api_name} 응답을 캐시에 저장하고, 캐시가 있으면 재사용해서 {output_format}으로 보여줘",
		ExpectedNodeTypes: []string{"storage.kv-get", "control.if", "io.http-request", "storage.kv-set", "viz.table"},
	},
	{
		ID: "multi-source-merge", Category: "data", Complexity: 0.8, MinNodes: 6, MaxNodes: 12,
		Text:              "{folder}의 CSV와 {api_name} 데이터를 합쳐서 {period} 기준으로 정렬하고, 요약 보고서와 {chart_type}를 함께 만들어줘",
		ExpectedNodeTypes: []string{"io.file-read", "transform.csv-parse", "io.http-request", "control.merge", "data.sort", "doc.report", "viz.chart"},
	},
	{
		ID: "unknown-placeholder", Category: "general", Complexity: 0.2, MinNodes: 2, MaxNodes: 4,
		Text:              "{topic}에 대해 {style} 스타일로 간단히 설명해줘",
		ExpectedNodeTypes: []string{"prompt.template", "llm.chat"},
	},
}

// DefaultScenarios are the stock two-turn conversations.
var DefaultScenarios = []Scenario{
	{
		ID: "mt-summary-then-translate", Category: "document",
		Initial:  "폴더의 PDF 파일을 읽어서 요약해줘",
		FollowUp: "방금 만든 워크플로우에 요약 결과를 영어로 번역하는 단계를 추가해줘",
	},
	{
		ID: "mt-chart-then-table", Category: "data",
		Initial:  "CSV 판매 데이터를 막대 차트로 보여줘",
		FollowUp: "이전 워크플로우를 수정해서 차트 대신 상위 10개 항목을 표로 보여줘",
	},
	{
		ID: "mt-api-then-retry", Category: "web",
		Initial:  "날씨 API를 호출해서 결과를 저장해줘",
		FollowUp: "아까 만든 것에 실패하면 3번까지 재시도하는 조건을 넣어줘",
	},
	{
		ID: "mt-rag-then-cite", Category: "retrieval",
		Initial:  "문서를 검색해서 질문에 답변하는 워크플로우를 만들어줘",
		FollowUp: "답변에 출처 문서를 함께 표시하도록 바꿔줘",
	},
}
