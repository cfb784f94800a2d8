package service

// ComputeScore converts a correct/total pair into a 0–100 score. Zero total
// yields zero, never a division fault — an exam without questions grades to 0.
func ComputeScore(correct, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(correct) / float64(total) * 100
}

// GradeAnswers scores a set of answers against an answer key. Questions
// missing from the answers map count as wrong.
func GradeAnswers(answerKey, answers map[string]string) float64 {
	correct := 0
	for qid, want := range answerKey {
		if got, ok := answers[qid]; ok && got == want {
			correct++
		}
	}
	return ComputeScore(correct, len(answerKey))
}
