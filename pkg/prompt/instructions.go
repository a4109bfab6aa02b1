package prompt

// Instruction blocks appended after the context section. The tag
// schema is shared by every cycle kind so the parser sees a stable
// surface.

const reasoningInstructions = `## Instructions
You are running one cycle of your autonomous loop. Address the signals above, highest urgency first. Use tools when you need fresh data. Record every mutation with an <action_taken> tag. Only message the user when you have something genuinely useful; silence is a valid outcome. Suggest the next cycle delay with <next_cycle_minutes> when the default does not fit.`

const reflectionInstructions = `## Instructions
No signals fired this cycle. Reflect briefly: review active goals, recent actions, and open hypotheses. You may emit at most ONE mutating directive this cycle (a goal proposal or a lesson). Do not message the user unless something important surfaced.`

const simplifiedInstructions = `## Instructions
Handle the signals above. Reply with the tags below. Keep it short. Record mutations with <action_taken>.`

const tagSchema = `## Response tags
<wa_message>text to send to the user</wa_message>
<followup goal="goalId?">topic to revisit later</followup>
<next_cycle_minutes>N</next_cycle_minutes>
<action_taken>what you did (required for any mutation)</action_taken>
<goal_create title="...">description</goal_create>
<goal_update id="..." status="..?" progress="..?">note</goal_update>
<milestone_complete goal="..." milestone="...">evidence</milestone_complete>
<goal_propose title="..." rationale="...">milestones, one per line</goal_propose>
<tool_call name="...">{"param":"value"}</tool_call>
<chain_plan>{"steps":[...]} or a short plan in prose</chain_plan>
<lesson_learned>one concrete lesson</lesson_learned>
<capability_gap topic="...">what you could not do</capability_gap>
<experiment_create>{"name":"...","hypothesis":"..."}</experiment_create>
<hypothesis>something to verify over coming cycles</hypothesis>
<evidence hid="...">observation for an open hypothesis</evidence>
<conclude hid="...">verdict</conclude>
<skill_generate name="..." category="...">skill description</skill_generate>`
