package ingest

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// labelFieldCount is the minimum fields a model response line must carry:
// four scores, four descriptors, ten keywords.
const labelFieldCount = 18

// LabelRow is one labeled profile in the fixed-column output CSV.
type LabelRow struct {
	LanceID             string `csv:"lance_db_id"`
	IndividualVsOrg     int    `csv:"individual_vs_org"`
	GenerationalAppeal  int    `csv:"generational_appeal"`
	Professionalization int    `csv:"professionalization"`
	RelationshipStatus  int    `csv:"relationship_status"`
	Location            string `csv:"location"`
	Ethnicity           string `csv:"ethnicity"`
	Age                 string `csv:"age"`
	Occupation          string `csv:"occupation"`
	Keywords            string `csv:"keywords"`
	ProcessingError     string `csv:"processing_error"`
	RawResponse         string `csv:"raw_response"`
}

// outputLine is one record of the batch output JSONL.
type outputLine struct {
	CustomID string `json:"custom_id"`
	Response struct {
		StatusCode int             `json:"status_code"`
		Body       json.RawMessage `json:"body"`
	} `json:"response"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// CollectLabels parses a batch output JSONL stream and writes the label CSV.
// Rows that cannot be parsed keep their raw response with a processing_error
// instead of being dropped.
func CollectLabels(r io.Reader, outputPath string) (int, error) {
	var labels []LabelRow

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var record outputLine
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			zap.L().Warn("unparseable batch output line", zap.Error(err))
			continue
		}
		labels = append(labels, parseOutputLine(&record))
	}
	if err := scanner.Err(); err != nil {
		return 0, eris.Wrap(err, "ingest: read batch output")
	}

	data, err := csvutil.Marshal(labels)
	if err != nil {
		return 0, eris.Wrap(err, "ingest: encode label csv")
	}
	if err := os.WriteFile(outputPath, data, 0o644); err != nil {
		return 0, eris.Wrapf(err, "ingest: write %s", outputPath)
	}
	return len(labels), nil
}

func parseOutputLine(record *outputLine) LabelRow {
	row := LabelRow{LanceID: strings.TrimPrefix(record.CustomID, "profile-")}

	if record.Error != nil {
		row.ProcessingError = record.Error.Message
		return row
	}
	if record.Response.StatusCode != 0 && record.Response.StatusCode != 200 {
		row.ProcessingError = "response status " + strconv.Itoa(record.Response.StatusCode)
		return row
	}

	text := firstOutputText(record.Response.Body)
	row.RawResponse = text
	if text == "" {
		row.ProcessingError = "empty response"
		return row
	}

	fields, err := parseLabelLine(text)
	if err != nil {
		row.ProcessingError = err.Error()
		return row
	}

	row.IndividualVsOrg = clampScore(fields[0])
	row.GenerationalAppeal = clampScore(fields[1])
	row.Professionalization = clampScore(fields[2])
	row.RelationshipStatus = clampScore(fields[3])
	row.Location = strings.TrimSpace(fields[4])
	row.Ethnicity = strings.TrimSpace(fields[5])
	row.Age = strings.TrimSpace(fields[6])
	row.Occupation = strings.TrimSpace(fields[7])

	keywords := make([]string, 0, 10)
	for _, kw := range fields[8:labelFieldCount] {
		if kw = strings.TrimSpace(kw); kw != "" {
			keywords = append(keywords, kw)
		}
	}
	row.Keywords = strings.Join(keywords, ", ")
	return row
}

// firstOutputText pulls the first assistant text out of a responses-API body,
// tolerating the chat-completions shape as well.
func firstOutputText(body json.RawMessage) string {
	if len(body) == 0 {
		return ""
	}
	var parsed struct {
		OutputText string `json:"output_text"`
		Output     []struct {
			Type    string `json:"type"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"output"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	if parsed.OutputText != "" {
		return parsed.OutputText
	}
	for _, item := range parsed.Output {
		if item.Type != "" && item.Type != "message" {
			continue
		}
		for _, content := range item.Content {
			if content.Type == "output_text" && content.Text != "" {
				return content.Text
			}
		}
	}
	if len(parsed.Choices) > 0 {
		return parsed.Choices[0].Message.Content
	}
	return ""
}

// parseLabelLine finds the first comma-bearing line and splits it as CSV.
func parseLabelLine(text string) ([]string, error) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.Contains(line, ",") {
			continue
		}
		reader := csv.NewReader(strings.NewReader(line))
		reader.LazyQuotes = true
		fields, err := reader.Read()
		if err != nil {
			return nil, eris.Wrap(err, "malformed csv line")
		}
		if len(fields) < labelFieldCount {
			return nil, eris.Errorf("expected at least %d fields, got %d", labelFieldCount, len(fields))
		}
		return fields, nil
	}
	return nil, eris.New("no csv line in response")
}

// clampScore rounds a numeric string into [0, 10]; unparseable input maps
// to 0.
func clampScore(s string) int {
	value, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	score := int(math.Round(value))
	if score < 0 {
		return 0
	}
	if score > 10 {
		return 10
	}
	return score
}
