package patterns

// =============================================================================
// PATTERN DEFINITIONS BY CATEGORY
// All patterns are registered here and compiled once at package init.
// Vocabulary follows what callers actually type during emergencies; phrasing
// variants matter more than grammar.
// =============================================================================

// --- DISTRESS VOCABULARY ---
func (r *Registry) registerDistressPatterns() {
	cat := CategoryDistress

	r.register("plea_for_help", `(?i)\b(please\s+)?help(\s+me|\s+us)?\b`, cat, 60, "Direct plea for help")
	r.register("fear", `(?i)\b(i'?m\s+)?(so\s+|really\s+)?(scared|terrified|afraid|panicking|freaking\s+out)\b`, cat, 70, "Expressed fear or panic")
	r.register("breathing", `(?i)\bcan'?t\s+breathe?\b`, cat, 90, "Breathing difficulty")
	r.register("trapped", `(?i)\b(i'?m\s+|we'?re\s+)?(trapped|stuck|pinned|buried)\b`, cat, 85, "Reported entrapment")
	r.register("dying", `(?i)\b(dying|going\s+to\s+die|won'?t\s+make\s+it)\b`, cat, 95, "Fear of death")
	r.register("bleeding", `(?i)\b(bleeding|blood\s+everywhere|badly\s+hurt|seriously\s+injured)\b`, cat, 80, "Severe injury report")
	r.register("crying", `(?i)\b(crying|sobbing|screaming)\b`, cat, 55, "Emotional breakdown markers")
	r.register("nobody_coming", `(?i)\bnobody('?s| is)?\s+(coming|answering|helping)\b`, cat, 75, "Perceived abandonment")

	// Fragmentary all-caps bursts ("HELP", "FIRE!!")
	r.register("caps_burst", `^[A-Z]{3,}[!.]*$`, cat, 50, "All-caps fragmentary burst")
}

// --- REPEATED NEGATION ---
func (r *Registry) registerNegationPatterns() {
	cat := CategoryNegation

	r.register("triple_no", `(?i)\b(no[\s,!.]+){2,}no\b`, cat, 60, "Repeated 'no no no'")
	r.register("cant_repeat", `(?i)\bcan'?t\b.*\bcan'?t\b`, cat, 50, "Repeated 'can't'")
	r.register("not_working", `(?i)\b(nothing|none\s+of\s+this)\s+(is\s+)?(working|helping|makes\s+sense)\b`, cat, 55, "Conversation breakdown")
	r.register("dont_understand", `(?i)\b(i\s+)?don'?t\s+understand\s+(you|this|anything)\b`, cat, 45, "Mutual misunderstanding")
	r.register("stop_asking", `(?i)\bstop\s+asking\b`, cat, 55, "Frustration with prompts")
}

// --- TIME PRESSURE ---
func (r *Registry) registerUrgencyPatterns() {
	cat := CategoryUrgency

	r.register("hurry", `(?i)\b(hurry|quick(ly)?|fast(er)?|right\s+now|immediately)\b`, cat, 40, "Time pressure vocabulary")
	r.register("no_time", `(?i)\b(no\s+time|running\s+out\s+of\s+time|before\s+it'?s\s+too\s+late)\b`, cat, 65, "Explicit time limit")
	r.register("getting_worse", `(?i)\b(getting\s+(worse|closer|higher|deeper)|spreading)\b`, cat, 60, "Deteriorating situation")
}

// --- EXPLICIT HUMAN REQUEST ---
// The NLU layer usually surfaces this as an intent, but callers also type it
// mid-form; catching it here keeps the request from being lost in a slot
// answer.
func (r *Registry) registerHumanRequestPatterns() {
	cat := CategoryHumanRequest

	r.register("want_human", `(?i)\b(talk|speak)\s+to\s+(a\s+)?(real\s+)?(human|person|operator|agent|someone)\b`, cat, 80, "Request for a human operator")
	r.register("call_emergency", `(?i)\b(call|get|send)\s+(911|112|the\s+police|an?\s+ambulance|firefighters|emergency\s+services)\b`, cat, 90, "Request for emergency services")
	r.register("no_bot", `(?i)\b(stop|enough)\s+(with\s+)?(the\s+)?(bot|robot|machine|questions)\b`, cat, 70, "Rejection of automated flow")
}
