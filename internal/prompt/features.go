package prompt

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gxo-labs/simloop/pkg/simloop/v1/trial"
)

// keywords matches a mix of Korean and English cues. English words match on
// word boundaries; Korean cues match as substrings since they attach to
// particles.
type keywords struct {
	english []englishCue
	korean  []string
}

type englishCue struct {
	word string
	re   *regexp.Regexp
}

func newKeywords(words ...string) keywords {
	var k keywords
	for _, w := range words {
		if isASCII(w) {
			k.english = append(k.english, englishCue{word: w, re: regexp.MustCompile(`\b` + regexp.QuoteMeta(w) + `\b`)})
		} else {
			k.korean = append(k.korean, w)
		}
	}
	return k
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// matches returns the cues found in lower-cased text.
func (k keywords) matches(text string) []string {
	var out []string
	for _, c := range k.english {
		if c.re.MatchString(text) {
			out = append(out, c.word)
		}
	}
	for _, w := range k.korean {
		if strings.Contains(text, w) {
			out = append(out, w)
		}
	}
	return out
}

func (k keywords) any(text string) bool { return len(k.matches(text)) > 0 }

var (
	multiStepCues   = newKeywords("그리고", "다음", "후에", "뒤에", "단계", "먼저", "마지막", "then", "after", "step", "next", "finally")
	conditionalCues = newKeywords("만약", "경우", "조건", "이면", "아니면", "if", "when", "unless", "otherwise")
	retrievalCues   = newKeywords("검색", "찾아", "벡터", "임베딩", "search", "retrieve", "lookup", "rag", "embedding")
	visionCues      = newKeywords("이미지", "사진", "그림", "스캔", "image", "photo", "picture", "ocr", "vision")
	multiTurnCues   = newKeywords("이전", "방금", "아까", "수정해", "바꿔", "추가해", "previous", "earlier", "modify", "update the")
	actionVerbs     = newKeywords("만들어", "생성", "분석", "요약", "변환", "저장", "추출", "번역", "분류", "정리", "create", "generate", "analyze", "summarize", "convert", "save", "extract", "translate", "classify", "build")
	concreteNouns   = newKeywords("파일", "폴더", "문서", "보고서", "차트", "데이터", "file", "folder", "report", "chart", "table", "api", "csv", "pdf", "json")
	outputFormats   = newKeywords("형식", "마크다운", "표로", "json", "csv", "markdown", "pdf", "format", "as a table")
	vaguePhrases    = newKeywords("뭔가", "알아서", "적당히", "대충", "등등", "something", "somehow", "whatever", "stuff", "etc")
)

var domainCues = []struct {
	name string
	cues keywords
}{
	{"document", newKeywords("문서", "pdf", "보고서", "report", "document")},
	{"data", newKeywords("데이터", "csv", "엑셀", "집계", "data", "excel", "aggregate")},
	{"web", newKeywords("api", "웹", "http", "url", "web")},
	{"vision", newKeywords("이미지", "사진", "ocr", "image", "photo")},
	{"ai", newKeywords("요약", "번역", "분류", "summarize", "translate", "classify", "llm")},
	{"file", newKeywords("파일", "폴더", "file", "folder")},
}

// AnalyzePromptFeatures derives the learning-state features of a prompt. It
// is a pure function of text.
func AnalyzePromptFeatures(text string) trial.PromptFeatures {
	lower := strings.ToLower(text)
	f := trial.PromptFeatures{
		Length:            utf8.RuneCountInString(text),
		HasMultiStep:      multiStepCues.any(lower),
		HasConditional:    conditionalCues.any(lower),
		RequiresRetrieval: retrievalCues.any(lower),
		RequiresVision:    visionCues.any(lower),
		IsMultiTurn:       multiTurnCues.any(lower),
		DomainCategory:    "general",
	}

	seen := make(map[string]struct{})
	for _, k := range []keywords{multiStepCues, conditionalCues, retrievalCues, visionCues, multiTurnCues, actionVerbs, concreteNouns, outputFormats} {
		for _, m := range k.matches(lower) {
			seen[m] = struct{}{}
		}
	}
	f.KeywordCount = len(seen)

	best := 0
	for _, d := range domainCues {
		if n := len(d.cues.matches(lower)); n > best {
			best = n
			f.DomainCategory = d.name
		}
	}

	f.Complexity = complexity(f)
	f.IntentClarity = intentClarity(lower, f.Length)
	return f
}

func complexity(f trial.PromptFeatures) float64 {
	score := 0.3*minf(float64(f.Length)/300, 1) + 0.4*minf(float64(f.KeywordCount)/10, 1)
	if f.HasMultiStep {
		score += 0.1
	}
	if f.HasConditional {
		score += 0.1
	}
	if f.RequiresRetrieval {
		score += 0.05
	}
	if f.RequiresVision {
		score += 0.05
	}
	return clamp01(score)
}

func intentClarity(lower string, length int) float64 {
	score := 0.3
	if actionVerbs.any(lower) {
		score += 0.2
	}
	if concreteNouns.any(lower) {
		score += 0.2
	}
	if outputFormats.any(lower) {
		score += 0.2
	}
	if length >= 20 {
		score += 0.1
	}
	vague := len(vaguePhrases.matches(lower))
	if vague > 3 {
		vague = 3
	}
	score -= 0.15 * float64(vague)
	return clamp01(score)
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
