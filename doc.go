// Package specmem implements a dual memory engine for technical
// specifications: a structured store of canonical facts paired with an
// approximate semantic index over their embeddings, composed behind a
// single Manager facade.
//
// The engine remembers specifications durably and recalls them despite
// paraphrase, typos, or language switching. Incoming knowledge is
// deduplicated against near-identical records, corroboration raises
// confidence instead of creating duplicates, and every retrieval is
// graded: a confident direct answer, a corrective suggestion, a
// request for disambiguation, or an honest "no confident memory".
//
// # Architecture
//
//   - schema: canonical specification and memory record types
//   - store: durable key-indexed storage (memory, SQLite, Redis)
//   - index: navigable small-world graph over embedding vectors
//   - merge: deduplication and corroboration decisions
//   - retrieval: confidence scoring and answer classification
//   - embed, extract: external collaborator contracts
//
// # Basic usage
//
//	st, err := sqlite.Open("memory.db")
//	if err != nil {
//		log.Fatal(err)
//	}
//	embedder, err := openai.New(openai.Config{APIKey: key})
//	if err != nil {
//		log.Fatal(err)
//	}
//	idx := index.New(index.Config{
//		Dimensions:   embedder.Dimensions(),
//		ModelVersion: embedder.ModelVersion(),
//	})
//
//	mgr, err := specmem.New(specmem.Config{}, st, idx, embedder, nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer mgr.Close()
//
//	res, err := mgr.Remember(ctx, spec)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if res.Merged {
//		log.Printf("corroborated %s", res.Record.ID)
//	}
//
//	answer, err := mgr.Query(ctx, "차량 속성은 어떻게 읽어?")
//	switch answer.Outcome {
//	case retrieval.OutcomeDirect:
//		// answer.Record is the memory, answer.Confidence >= tau_high
//	case retrieval.OutcomeCorrective:
//		// close match; answer.UnmatchedTerms says what didn't fit
//	case retrieval.OutcomeAmbiguous:
//		// several records tie; disambiguate before answering
//	case retrieval.OutcomeNone:
//		// nothing confident enough; never guess
//	}
//
// # Consistency model
//
// The structured store is the source of truth. Every insert lands
// durably in the store before the index is touched; a failed index
// insert leaves the record stored and flagged pending, and a
// background reconciler retries it. The index is a rebuildable cache:
// it can always be regenerated from the store's embeddings, and while
// it is unavailable retrieval degrades to lexical search over aliases
// and rules rather than failing.
//
// Writes touching the same record neighborhood serialize on striped
// per-id write sections; unrelated domains insert in parallel. The
// periodic merge sweep works from a snapshot with optimistic version
// re-validation, so it never blocks or corrupts online traffic.
package specmem
