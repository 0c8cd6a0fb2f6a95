package websigner

// pageHTML is served at the root. It talks to the injected browser
// wallet (window.ethereum) and posts signatures back to /signature.
// The websocket nudge lets an open tab pick up new requests without a
// refresh.
const pageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>gumarket message signing page</title>
</head>
<body>
    <h1>Sign messages for gumarket using your web wallet</h1>
    <p>Signing the message will perform the following action:</p>
    <p id="actionText"></p>
    <script>
        async function fetchMessage() {
            const response = await fetch('/message');
            return await response.text();
        }
        async function displayActiveAction() {
            const response = await fetch('/action');
            const action = await response.text();
            document.getElementById("actionText").textContent = action;
        }
        async function signMessage(message) {
            const accounts = await window.ethereum.request({ method: 'eth_requestAccounts' });
            const signature = await window.ethereum.request({ method: 'personal_sign', params: [message, accounts[0]] });
            const data = JSON.stringify({ address: accounts[0], message: message, signature: signature });
            await fetch('/signature', { method: 'POST', body: data });
            document.getElementById("actionText").textContent =
                "Message signed and sent, waiting for the next request.";
        }
        async function fetchAndSignMessage() {
            displayActiveAction();
            const message = await fetchMessage();
            if (message.length == 0)
                alert("No message to sign");
            else
                signMessage(message);
        }
        async function switchWallet() {
            await window.ethereum.request({ method: 'wallet_requestPermissions', params: [{ eth_accounts: {} }] });
        }
        function connectSocket() {
            const ws = new WebSocket('ws://' + window.location.host + '/ws');
            ws.onmessage = function() { displayActiveAction(); };
            ws.onclose = function() { setTimeout(connectSocket, 2000); };
        }
        window.onload = function() {
            displayActiveAction();
            connectSocket();
        }
    </script>
    <button onclick="fetchAndSignMessage()">Sign message</button>
    <button onclick="switchWallet()">Switch wallet</button>
</body>
</html>
`
