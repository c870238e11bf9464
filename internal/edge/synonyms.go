package edge

// synonymTable maps a token to the canonical token of its synonym group.
// Tokens without a group canonicalize to themselves.
type synonymTable map[string]string

// newSynonymTable builds a table from groups, where the first word of each
// group is the canonical form.
func newSynonymTable(groups [][]string) synonymTable {
	t := make(synonymTable)
	for _, g := range groups {
		if len(g) == 0 {
			continue
		}
		canonical := g[0]
		for _, w := range g {
			t[w] = canonical
		}
	}
	return t
}

// canonicalize maps every token through the table, leaving unknown tokens as
// they are.
func (t synonymTable) canonicalize(ts []string) []string {
	out := make([]string, len(ts))
	for i, tok := range ts {
		if c, ok := t[tok]; ok {
			out[i] = c
		} else {
			out[i] = tok
		}
	}
	return out
}

// defaultSynonymGroups covers the vocabulary of the built-in rules. Callers
// can extend the table through [Processor.AddSynonyms].
func defaultSynonymGroups() [][]string {
	return [][]string{
		{"time", "clock", "hour", "minute", "oclock"},
		{"date", "day", "today", "calendar"},
		{"fuel", "gas", "gasoline", "petrol", "tank"},
		{"battery", "charge", "power"},
		{"volume", "sound", "audio", "loudness"},
		{"up", "louder", "higher", "increase", "raise"},
		{"down", "quieter", "lower", "decrease", "reduce"},
		{"far", "distance", "distant"},
		{"arrive", "arrival", "eta", "there"},
		{"say", "tell", "show", "give"},
		{"destination", "trip", "route", "journey"},
	}
}
