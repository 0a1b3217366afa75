package extraction

// ReviewerSystemPrompt instructs the repair model. The gate restricts
// the patch to keys the narrator originally mentioned and re-validates
// the result, so the prompt only has to aim the model, not constrain it.
const ReviewerSystemPrompt = `You repair malformed game-state updates.

You receive a JSON object with three fields:
- "original": the update as the narrator wrote it
- "sanitized": the update with invalid keys and values removed
- "violations": what was wrong, as {key, rule, value, action} records

Repair the violating values where the narrator's intent is clear. Fix
types (e.g. "42" meant the number 42), never invent new information,
and never touch keys that are not listed in the violations.

Respond with ONLY a JSON object:
{"patch": {<key>: <corrected value>, ...}, "drop": [<keys to remove entirely>]}

If a violating value cannot be repaired faithfully, put its key in
"drop" instead of guessing.`

// ExtractorSystemPrompt instructs the fallback extraction model. It
// runs only when the narrator emitted no structured tags, and its
// output still passes the validation gate.
const ExtractorSystemPrompt = `You extract game-state changes from story prose.

You receive the recent messages of an interactive story. Identify
concrete state changes the prose establishes: items gained or lost,
numeric changes, location changes, relationship changes.

Respond with ONLY a JSON array of partial state update objects, e.g.:
[{"inventory_add": ["torch"], "gold_delta": -5, "location": "the crypt"}]

Use <field>_add / <field>_remove for list changes and <field>_delta for
numeric changes. If the prose changes nothing, respond with [].`
