/*
Package protocol defines the wire format spoken between a procmux client and the agent.

Many spawn requests share one connection. Requests flow client->server as self-delimited JSON
documents, one per request, with no length prefix:

	{"id": 1, "path": "echo", "args": ["hello"], "cwd": "/tmp", "env": {"FOO": "bar"}}

A document is recognized once the bytes buffered so far parse as one complete JSON object. Documents
may arrive split across reads or several to a read; unconsumed bytes are kept until they complete.

Responses flow server->client as big-endian binary frames tagged by request id:

	output: u32 request_id | u8 tag (1=stdout, 2=stderr) | u32 length | payload
	exit:   u32 request_id | u8 tag (0)                  | i32 exit_code

Every admitted request produces zero or more output frames followed by exactly one exit frame. Exit
codes are negative sentinels when the process has no conventional exit code (ExitCodeAbnormal) or
could not be launched (ExitCodeLaunchFailed).

If the agent requires a token, the first document on a connection must be {"token": "<token>"}.
*/
package protocol
