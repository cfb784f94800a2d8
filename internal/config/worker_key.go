package config

type WorkerKeyStruct struct {
	PersistAnswersQueue    string
	PersistViolationsQueue string
	PersistScoresQueue     string
	DeadLetterQueue        string
}

var WorkerKey = &WorkerKeyStruct{
	PersistAnswersQueue:    "persist_answers_queue",
	PersistViolationsQueue: "persist_violations_queue",
	PersistScoresQueue:     "persist_scores_queue",
	DeadLetterQueue:        "persist_dead_letter_queue",
}
