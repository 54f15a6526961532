/*
Package process provides a server and client for a remote process runner which multiplexes many processes over a single connection. Requests are sent client->server as JSON documents and stdout, stderr, and exit codes stream back server->client as binary frames tagged with the request id. The wire format is described in the protocol package.

Processes are scoped to the connection--that is, if the connection dies for any reason, every process started on it is killed. This includes the client closing its side of the connection.

The protocol proceeds as follows:

1. The client opens a connection with the server, either plain TCP or a WebSocket
2. If the server requires a token, the client sends it as the first document
3. The client sends spawn requests at any time, each with an id that is not in flight
4. The server sends output frames for each process as the output is read, interleaved with other processes
5. After a process has exited and both of its output streams are at EOF, the server sends its exit frame
6. The client closes the connection when it is done

The server buffers a bounded number of frames per connection. A client that stops reading eventually stops the server from reading its processes' output, which in turn blocks those processes once their pipes fill.

Reusing an id that is still in flight is rejected without any response, and the original process is not affected. A process that cannot be launched gets a single exit frame with protocol.ExitCodeLaunchFailed.
*/
package process
