package store

// Reaction names arrive upper-case inside drug reports and title-case as
// lookup keys, so every reaction column compares without case.
const schema = `
CREATE TABLE IF NOT EXISTS drugs (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    name        TEXT NOT NULL UNIQUE,
    searched_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS reactions (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    name        TEXT NOT NULL COLLATE NOCASE UNIQUE,
    searched_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS observations (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    report_id TEXT NOT NULL,
    drug      TEXT NOT NULL,
    reaction  TEXT NOT NULL COLLATE NOCASE,
    age       REAL NOT NULL DEFAULT 0,
    gender    TEXT NOT NULL DEFAULT '0',
    UNIQUE(report_id, drug, reaction, age, gender)
);

CREATE INDEX IF NOT EXISTS idx_observations_drug ON observations(drug);
CREATE INDEX IF NOT EXISTS idx_observations_reaction ON observations(reaction);

CREATE TABLE IF NOT EXISTS drug_reaction_counts (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    drug         TEXT NOT NULL,
    reaction     TEXT NOT NULL COLLATE NOCASE,
    report_count INTEGER NOT NULL,
    position     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_drug_reaction_counts_drug ON drug_reaction_counts(drug);

CREATE TABLE IF NOT EXISTS reaction_drug_counts (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    reaction     TEXT NOT NULL COLLATE NOCASE,
    drug         TEXT NOT NULL,
    report_count INTEGER NOT NULL,
    position     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reaction_drug_counts_reaction ON reaction_drug_counts(reaction);
`

// tables names the registry, summary table and columns for one direction.
// Identifiers cannot be bound as parameters, so they only ever come from
// these two fixed values.
type tables struct {
	registry   string
	counts     string
	subjectCol string
	attrCol    string
}

var (
	drugTables = tables{
		registry:   "drugs",
		counts:     "drug_reaction_counts",
		subjectCol: "drug",
		attrCol:    "reaction",
	}
	reactionTables = tables{
		registry:   "reactions",
		counts:     "reaction_drug_counts",
		subjectCol: "reaction",
		attrCol:    "drug",
	}
)
