// Copyright 2025 The Kestrel Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package agent

import (
	"fmt"
	"regexp"
	"strings"
)

// loopReasoningTags are the tags the loop extracts from assistant
// responses. delegationTags are the ones the sub-agent reasoning phase
// expects.
var (
	loopReasoningTags = []string{"analyze", "plan", "observe", "decide", "summarize"}
	delegationTags    = []string{"analysis", "plan", "estimates", "risks", "decision"}
)

// ReasoningSegment is one extracted tagged block.
type ReasoningSegment struct {
	Tag     string
	Content string
}

var tagPatterns = map[string]*regexp.Regexp{}

func init() {
	for _, tag := range append(append([]string(nil), loopReasoningTags...), delegationTags...) {
		if _, ok := tagPatterns[tag]; !ok {
			tagPatterns[tag] = regexp.MustCompile(fmt.Sprintf(`(?s)<%s>(.*?)</%s>`, tag, tag))
		}
	}
}

// extractTagged pulls all blocks for the given tags out of text,
// ordered by position, and returns the residual text with the blocks
// removed.
func extractTagged(text string, tags []string) ([]ReasoningSegment, string) {
	type located struct {
		pos     int
		segment ReasoningSegment
	}
	var found []located
	residual := text

	for _, tag := range tags {
		re := tagPatterns[tag]
		for _, match := range re.FindAllStringSubmatchIndex(text, -1) {
			content := strings.TrimSpace(text[match[2]:match[3]])
			if content == "" {
				continue
			}
			found = append(found, located{
				pos:     match[0],
				segment: ReasoningSegment{Tag: tag, Content: content},
			})
		}
		residual = re.ReplaceAllString(residual, "")
	}

	// Order by appearance, not by tag.
	for i := 1; i < len(found); i++ {
		for j := i; j > 0 && found[j-1].pos > found[j].pos; j-- {
			found[j-1], found[j] = found[j], found[j-1]
		}
	}

	segments := make([]ReasoningSegment, len(found))
	for i, f := range found {
		segments[i] = f.segment
	}
	return segments, strings.TrimSpace(residual)
}

// ExtractReasoning splits an assistant response into reasoning blocks
// and the residual user-visible text.
func ExtractReasoning(text string) ([]ReasoningSegment, string) {
	return extractTagged(text, loopReasoningTags)
}

// ExtractDelegationReasoning parses the sub-agent reasoning-phase
// response.
func ExtractDelegationReasoning(text string) ([]ReasoningSegment, string) {
	return extractTagged(text, delegationTags)
}

// delegationDecision finds the decision block and reports whether it
// blocks execution, with the stated reason.
func delegationDecision(segments []ReasoningSegment) (blocked bool, reason string) {
	for _, seg := range segments {
		if seg.Tag != "decision" {
			continue
		}
		content := strings.TrimSpace(seg.Content)
		if strings.HasPrefix(strings.ToUpper(content), "BLOCK") {
			reason = strings.TrimSpace(strings.TrimLeft(content[len("BLOCK"):], ":- "))
			if reason == "" {
				reason = "blocked by reasoning phase"
			}
			return true, reason
		}
	}
	return false, ""
}
