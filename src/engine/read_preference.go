package engine

import (
	"strings"

	"objectdb/src/models"

	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// parseReadPreference maps a read preference name, in any case, to the
// driver's. An empty name means the collection default and returns nil.
func parseReadPreference(name string) (*readpref.ReadPref, error) {
	switch strings.ToUpper(name) {
	case "":
		return nil, nil
	case "PRIMARY":
		return readpref.Primary(), nil
	case "PRIMARY_PREFERRED":
		return readpref.PrimaryPreferred(), nil
	case "SECONDARY":
		return readpref.Secondary(), nil
	case "SECONDARY_PREFERRED":
		return readpref.SecondaryPreferred(), nil
	case "NEAREST":
		return readpref.Nearest(), nil
	}
	return nil, models.NewError(models.InvalidQuery, "Not supported read preference.")
}

var explainVerbosities = map[string]bool{
	"queryPlanner":         true,
	"queryPlannerExtended": true,
	"executionStats":       true,
	"allPlansExecution":    true,
}

// parseExplain validates an explain option and returns the verbosity to
// request, or "" when the query should run normally. true asks for the
// most detailed plan.
func parseExplain(explain interface{}) (string, error) {
	switch v := explain.(type) {
	case nil:
		return "", nil
	case bool:
		if v {
			return "allPlansExecution", nil
		}
		return "", nil
	case string:
		if explainVerbosities[v] {
			return v, nil
		}
	}
	return "", models.NewError(models.InvalidQuery, "Invalid value for explain")
}
